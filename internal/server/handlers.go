package server

import (
	"net/http"
	"net/url"
	"strconv"

	"orchestrator/internal/domain/actionlog"
	"orchestrator/internal/logging"
	"orchestrator/internal/session"
)

// actionlogQuery translates the ?tool&limit&since query params (spec §6.1
// GET /actions) into an actionlog.Query.
func actionlogQuery(q url.Values) actionlog.Query {
	var since int64
	if s := q.Get("since"); s != "" {
		since, _ = strconv.ParseInt(s, 10, 64)
	}
	return actionlog.Query{
		Tool:  q.Get("tool"),
		Since: since,
		Limit: parseIntOr(q.Get("limit"), 0),
	}
}

// APIHandler dispatches the spec §6.1 HTTP surface onto a session.Manager,
// matching the teacher's APIHandler-bundles-every-route-group shape (here
// narrower: one session façade covers the whole surface, so there is no
// functional-options pattern to thread in like the teacher's WithXxx
// options — every collaborator the handlers need comes through the
// sessions Manager itself).
type APIHandler struct {
	sessions *session.Manager
	logger   logging.Logger
}

// NewAPIHandler builds an APIHandler over mgr.
func NewAPIHandler(mgr *session.Manager, logger logging.Logger) *APIHandler {
	return &APIHandler{sessions: mgr, logger: logging.OrNop(logger)}
}

func (h *APIHandler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.PathValue("session_id")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session_id")
		return nil, false
	}
	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "load session: "+err.Error())
		return nil, false
	}
	return sess, true
}

// HandleGetState serves GET /sessions/{session_id}/state (spec §6.1).
func (h *APIHandler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	_, version, err := sess.Files(r.Context())
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "list files: "+err.Error())
		return
	}
	st := sess.State()
	writeJSON(w, http.StatusOK, struct {
		SessionID   string `json:"sessionId"`
		Status      any    `json:"status"`
		Tasks       any    `json:"tasks"`
		CodeVersion int    `json:"codeVersion"`
	}{SessionID: st.SessionID, Status: st.Status, Tasks: st.Tasks, CodeVersion: version})
}

type chatRequest struct {
	Text string `json:"text"`
}

// HandleChat serves POST /sessions/{session_id}/chat (spec §6.1): submits
// the turn and blocks for its own terminal event, returning every event
// that turn emitted.
func (h *APIHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	events, err := sess.Chat(r.Context(), req.Text)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "chat: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Events any `json:"events"`
	}{Events: events})
}

// HandleChatHistory serves GET /sessions/{session_id}/chat/history.
func (h *APIHandler) HandleChatHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	limit := parseIntOr(r.URL.Query().Get("limit"), 0)
	msgs, err := sess.History(r.Context(), limit)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "chat history: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Messages any `json:"messages"`
	}{Messages: msgs})
}

// HandleChatClear serves POST /sessions/{session_id}/chat/clear.
func (h *APIHandler) HandleChatClear(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.ClearChat(r.Context()); err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "clear chat: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListTasks serves GET /sessions/{session_id}/tasks.
func (h *APIHandler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Tasks any `json:"tasks"`
	}{Tasks: sess.Tasks().All()})
}

// HandleListActions serves GET /sessions/{session_id}/actions?tool&limit&since.
func (h *APIHandler) HandleListActions(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	entries, err := sess.Actions(r.Context(), actionlogQuery(q))
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "list actions: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Actions any `json:"actions"`
	}{Actions: entries})
}

// HandleActionsClear serves POST /sessions/{session_id}/actions/clear.
func (h *APIHandler) HandleActionsClear(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.ClearActions(r.Context()); err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "clear actions: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListFiles serves GET /sessions/{session_id}/files.
func (h *APIHandler) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	paths, version, err := sess.Files(r.Context())
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "list files: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Paths       any `json:"paths"`
		CodeVersion int `json:"codeVersion"`
	}{Paths: paths, CodeVersion: version})
}

// HandleGetFile serves GET /sessions/{session_id}/file/{path...}.
func (h *APIHandler) HandleGetFile(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	path := r.PathValue("path")
	content, version, found := sess.GetFile(r.Context(), path)
	if !found {
		writeJSONError(w, http.StatusNotFound, "file not found: "+path)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Path        string `json:"path"`
		Content     string `json:"content"`
		CodeVersion int    `json:"codeVersion"`
	}{Path: path, Content: content, CodeVersion: version})
}

type putFileRequest struct {
	Content string `json:"content"`
}

// HandlePutFile serves PUT /sessions/{session_id}/file/{path...}.
func (h *APIHandler) HandlePutFile(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req putFileRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	path := r.PathValue("path")
	version, err := sess.PutFile(r.Context(), path, req.Content)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "put file: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		CodeVersion int `json:"codeVersion"`
	}{CodeVersion: version})
}

// HandleDeleteFile serves DELETE /sessions/{session_id}/file/{path...}.
func (h *APIHandler) HandleDeleteFile(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	path := r.PathValue("path")
	version, err := sess.DeleteFile(r.Context(), path)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "delete file: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		CodeVersion int `json:"codeVersion"`
	}{CodeVersion: version})
}

// HandleSpawnSubagent serves POST /sessions/{session_id}/subagents/spawn.
func (h *APIHandler) HandleSpawnSubagent(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req session.SpawnSubagentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	taskID, facet, err := sess.SpawnSubagent(r.Context(), req)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "spawn subagent: "+err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, struct {
		TaskID string `json:"taskId"`
		Facet  string `json:"facet"`
	}{TaskID: taskID, Facet: facet})
}

// HandleListSubagents serves GET /sessions/{session_id}/subagents.
func (h *APIHandler) HandleListSubagents(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	rows, err := sess.Subagents(r.Context())
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError, "list subagents: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Subagents any `json:"subagents"`
	}{Subagents: rows})
}

// HandleHealth serves GET /health.
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}
