// Package api exposes the import/export pipeline and the read views over
// HTTP. Handlers are thin: authentication and permissions are handled
// upstream, with the acting user passed in trusted headers.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/guildops/sanity-tracker/internal/backup"
	"github.com/guildops/sanity-tracker/internal/sanity"
	"github.com/guildops/sanity-tracker/internal/store"
)

const defaultListLimit = 50

// Handler wires the HTTP routes to the ledger manager and read-only store
// access.
type Handler struct {
	manager *sanity.Manager
	store   store.Store
	backups *backup.Manager
	logger  *slog.Logger
}

// New returns a new Handler.
func New(manager *sanity.Manager, st store.Store, backups *backup.Manager, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, store: st, backups: backups, logger: logger}
}

// Register adds all API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/import", h.handleImport)
	mux.HandleFunc("GET /api/export", h.handleExport)
	mux.HandleFunc("GET /api/players", h.handleListPlayers)
	mux.HandleFunc("POST /api/players/{name}/adjust", h.handleAdjust)
	mux.HandleFunc("DELETE /api/players/{name}", h.handleDeletePlayer)
	mux.HandleFunc("GET /api/import-logs", h.handleListImportLogs)
	mux.HandleFunc("GET /api/import-logs/{id}", h.handleGetImportLog)
	mux.HandleFunc("GET /api/audit", h.handleAudit)
	mux.HandleFunc("GET /api/backups", h.handleListBackups)
	mux.HandleFunc("POST /api/backups/restore", h.handleRestore)
}

// actor reads the acting user from the trusted proxy headers.
func actor(r *http.Request) (int64, string) {
	id, _ := strconv.ParseInt(r.Header.Get("X-Actor-Id"), 10, 64)
	name := r.Header.Get("X-Actor-Name")
	if name == "" {
		name = "unknown"
	}
	return id, name
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be JSON with a \"data\" field")
		return
	}

	actorID, actorName := actor(r)
	result, err := h.manager.Import(r.Context(), req.Data, actorID, actorName)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	var minTimestamp int64
	if v := r.URL.Query().Get("minTimestamp"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "minTimestamp must be an integer (seconds)")
			return
		}
		minTimestamp = parsed
	}

	out, err := h.manager.Export(r.Context(), minTimestamp)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"data": out})
}

func (h *Handler) handleListPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := h.store.Players().List(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, players)
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Change int    `json:"change"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be JSON with \"change\" and \"reason\" fields")
		return
	}

	actorID, actorName := actor(r)
	entry, err := h.manager.AdjustPoints(r.Context(), r.PathValue("name"), req.Change, req.Reason, actorID, actorName)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleDeletePlayer(w http.ResponseWriter, r *http.Request) {
	actorID, actorName := actor(r)
	if err := h.manager.DeletePlayer(r.Context(), r.PathValue("name"), actorID, actorName); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListImportLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.store.ImportLogs().List(r.Context(), listLimit(r))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) handleGetImportLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "import log id must be an integer")
		return
	}
	log, err := h.store.ImportLogs().Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "import log not found")
		return
	}
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.Audit().List(r.Context(), listLimit(r))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleListBackups(w http.ResponseWriter, r *http.Request) {
	names, err := h.backups.List()
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "request body must be JSON with a \"name\" field")
		return
	}

	actorID, actorName := actor(r)
	if err := h.manager.Restore(r.Context(), req.Name, actorID, actorName); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func listLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}

// writeFailure maps an error to the right HTTP response: user errors come
// back verbatim with 400, everything else as a generic 500. Internal detail
// stays in the server logs.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	if sanity.IsUserError(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !errors.Is(err, sanity.ErrInternal) {
		// Direct store reads surface raw errors, log them here.
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeError(w, http.StatusInternalServerError, sanity.ErrInternal.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
