package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/uib-gmbh/confd/internal/session"
)

// Handler serves POST (and legacy GET with a URL-encoded body) /rpc
// requests, mapping the request's session onto a Principal before
// dispatching.
type Handler struct {
	dispatcher *Dispatcher
	log        zerolog.Logger
}

// NewHandler builds a Handler over dispatcher.
func NewHandler(dispatcher *Dispatcher, log zerolog.Logger) *Handler {
	return &Handler{dispatcher: dispatcher, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	var err error

	if r.Method == http.MethodGet {
		raw = json.RawMessage(r.URL.Query().Get("rpc"))
	} else {
		raw, err = decodeBody(r)
	}
	if err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	sess, _ := r.Context().Value(session.ContextKey).(*session.Session)
	principal := Principal{}
	if sess != nil {
		principal = Principal{Username: sess.Username, Host: sess.Host, IsAdmin: sess.IsAdmin}
	}
	includeDetail := sess != nil && sess.IsAdmin

	// A batch is a JSON array; a single call is a JSON object. The error
	// policy only fails the whole envelope when this shape detection
	// itself fails.
	trimmed := firstNonSpace(raw)
	if trimmed == '[' {
		var calls []Call
		if err := json.Unmarshal(raw, &calls); err != nil {
			http.Error(w, "malformed batch envelope", http.StatusBadRequest)
			return
		}
		results := h.dispatcher.DispatchBatch(r.Context(), principal, calls, includeDetail)
		writeResponse(w, r, results)
		return
	}

	var call Call
	if err := json.Unmarshal(raw, &call); err != nil {
		http.Error(w, "malformed call envelope", http.StatusBadRequest)
		return
	}
	result := h.dispatcher.Dispatch(r.Context(), principal, call, includeDetail)
	writeResponse(w, r, result)
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b
		}
	}
	return 0
}
