// Package codec implements the addon exchange format: a JSON payload,
// DEFLATE-compressed, base64-encoded and wrapped in fixed prefix/suffix
// tokens so both sides can cheaply sniff the format before inflating.
package codec

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Prefix and Suffix are the literal wrapper tokens agreed with the addon.
const (
	Prefix = "!SANITY!"
	Suffix = "!END!"
)

// Payload is the on-wire shape of an addon export. All timestamps are in
// seconds; conversion to the server's millisecond representation happens at
// the import/export boundary, never here.
type Payload struct {
	Time         int64         `json:"time"`
	MinTimestamp int64         `json:"minTimestamp"`
	Players      []WirePlayer  `json:"players"`
	PointHistory []WirePoint   `json:"pointHistory"`
	LootHistory  []WireLoot    `json:"lootHistory"`
}

// WirePlayer is a player row as the addon exports it.
type WirePlayer struct {
	PlayerName string `json:"playerName"`
	ClassID    int    `json:"classId"`
	Points     int    `json:"points"`
}

// WirePoint is a point-history entry as the addon exports it.
type WirePoint struct {
	GUID       string `json:"guid"`
	TimeStamp  int64  `json:"timeStamp"`
	PlayerName string `json:"playerName"`
	Change     int    `json:"change"`
	NewPoints  int    `json:"newPoints"`
	Type       string `json:"type"`
	Reason     string `json:"reason,omitempty"`
}

// WireLoot is a loot-history entry as the addon exports it.
type WireLoot struct {
	GUID       string `json:"guid"`
	TimeStamp  int64  `json:"timeStamp"`
	PlayerName string `json:"playerName"`
	ItemID     int    `json:"itemId"`
	Response   string `json:"response"`
}

// FormatError means the input is not in the exchange format at all
// (missing wrapper tokens). Nothing was decoded.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid export format: %s", e.Reason)
}

// DecodeError wraps a failure in one of the decode stages (base64, inflate,
// JSON parse). The wrapper tokens were present, so the input claimed to be
// an export but could not be decoded.
type DecodeError struct {
	Stage string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding export (%s): %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes v to JSON, compresses it with raw DEFLATE, base64-encodes
// the result and adds the wrapper tokens.
func Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}

	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", fmt.Errorf("creating deflate writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("compressing payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("flushing deflate writer: %w", err)
	}

	return Prefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + Suffix, nil
}

// Decode reverses Encode and returns the inflated JSON document. Decoding is
// all-or-nothing: any stage failure returns an error and no partial result.
func Decode(s string) ([]byte, error) {
	if !strings.HasPrefix(s, Prefix) {
		return nil, &FormatError{Reason: fmt.Sprintf("missing %q prefix", Prefix)}
	}
	if !strings.HasSuffix(s, Suffix) {
		return nil, &FormatError{Reason: fmt.Sprintf("missing %q suffix", Suffix)}
	}
	// Both tokens present, but they may overlap ("!SANITY!END!").
	if len(s) < len(Prefix)+len(Suffix) {
		return nil, &FormatError{Reason: "input too short to contain a payload"}
	}

	compressed, err := base64.StdEncoding.DecodeString(s[len(Prefix) : len(s)-len(Suffix)])
	if err != nil {
		return nil, &DecodeError{Stage: "base64", Err: err}
	}

	zr := flate.NewReader(bytes.NewReader(compressed))
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, &DecodeError{Stage: "inflate", Err: err}
	}

	if !json.Valid(data) {
		return nil, &DecodeError{Stage: "json", Err: fmt.Errorf("payload is not valid JSON")}
	}
	return data, nil
}

// DecodePayload decodes s into the typed wire payload. Callers that need to
// schema-check untrusted input first should use Decode and unmarshal after
// validation.
func DecodePayload(s string) (*Payload, error) {
	data, err := Decode(s)
	if err != nil {
		return nil, err
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &DecodeError{Stage: "json", Err: err}
	}
	return &p, nil
}
