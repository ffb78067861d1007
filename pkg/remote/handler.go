// Package remote exposes a store over HTTP and provides the matching
// client, so a remote store can serve as either side of replication.
//
// The protocol is plain JSON over a handful of routes plus a WebSocket
// change notification stream. The client maps HTTP status codes onto the
// store error taxonomy, so replication and session code handle a remote
// exactly like a local store.
package remote

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/driftlabs/driftdb/pkg/logger"
	"github.com/driftlabs/driftdb/pkg/revtree"
	"github.com/driftlabs/driftdb/pkg/store"
)

// Handler serves a store over HTTP.
type Handler struct {
	store    store.Store
	log      logger.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewHandler wraps a store in an HTTP handler. The store should also
// implement store.Watchable for push-based WebSocket notification;
// otherwise watchers are driven by polling.
func NewHandler(s store.Store, log logger.Logger) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	h := &Handler{
		store: s,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/changes", h.handleChanges).Methods("GET")
	r.HandleFunc("/revs-diff", h.handleRevsDiff).Methods("POST")
	r.HandleFunc("/docs/{id}", h.handleGetDoc).Methods("GET")
	r.HandleFunc("/docs/{id}/tree", h.handleGetTree).Methods("GET")
	r.HandleFunc("/docs/{id}/revs", h.handleApplyRevision).Methods("POST")
	r.HandleFunc("/watch", h.handleWatch).Methods("GET")
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps store errors onto status codes; the client maps
// them back, so the taxonomy survives the wire.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrCorruptTree):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrDenied):
		respondError(w, http.StatusForbidden, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Seq    uint64 `json:"seq"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	seq, err := h.store.Sequence(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, healthResponse{Status: "ok", Seq: seq})
}

type changesResponse struct {
	Results []store.Change `json:"results"`
	LastSeq uint64         `json:"last_seq"`
}

func (h *Handler) handleChanges(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = parsed
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = parsed
	}

	changes, err := h.store.ChangesSince(r.Context(), since, limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	lastSeq := since
	if len(changes) > 0 {
		lastSeq = changes[len(changes)-1].Seq
	}
	if changes == nil {
		changes = []store.Change{}
	}
	respondJSON(w, http.StatusOK, changesResponse{Results: changes, LastSeq: lastSeq})
}

type revsDiffRequest struct {
	ID   string          `json:"id"`
	Revs []revtree.RevID `json:"revs"`
}

type revsDiffResponse struct {
	Missing []revtree.RevID `json:"missing"`
}

func (h *Handler) handleRevsDiff(w http.ResponseWriter, r *http.Request) {
	var req revsDiffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.ID == "" {
		respondError(w, http.StatusBadRequest, "missing document id")
		return
	}

	missing, err := h.store.RevsDiff(r.Context(), req.ID, req.Revs)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if missing == nil {
		missing = []revtree.RevID{}
	}
	respondJSON(w, http.StatusOK, revsDiffResponse{Missing: missing})
}

func (h *Handler) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var doc *store.Document
	var err error
	if v := r.URL.Query().Get("rev"); v != "" {
		rev, perr := revtree.ParseRevID(v)
		if perr != nil {
			respondError(w, http.StatusBadRequest, "invalid rev parameter")
			return
		}
		doc, err = h.store.GetRev(r.Context(), id, rev)
	} else {
		doc, err = h.store.Get(r.Context(), id)
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (h *Handler) handleGetTree(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tree, err := h.store.RevTree(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tree.All())
}

func (h *Handler) handleApplyRevision(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var rev store.Revision
	if err := json.NewDecoder(r.Body).Decode(&rev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if rev.ID == "" {
		rev.ID = id
	}
	if rev.ID != id {
		respondError(w, http.StatusBadRequest, "document id mismatch")
		return
	}

	if err := h.store.ApplyRevision(r.Context(), rev); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "applied"})
}

type watchMessage struct {
	Seq uint64 `json:"seq"`
}

// handleWatch streams change notifications over a WebSocket: one message
// with the current sequence whenever the store accepts a revision, plus
// a periodic heartbeat so dead peers are noticed.
func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade watch connection", "error", err)
		return
	}
	defer conn.Close()

	var notify <-chan struct{}
	if watchable, ok := h.store.(store.Watchable); ok {
		ch, release := watchable.Watch()
		defer release()
		notify = ch
	}

	// Reader drains control frames and unblocks the writer on close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	send := func() bool {
		seq, err := h.store.Sequence(r.Context())
		if err != nil {
			return false
		}
		if err := conn.WriteJSON(watchMessage{Seq: seq}); err != nil {
			return false
		}
		return true
	}
	if !send() {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		case <-notify:
			if !send() {
				return
			}
		}
	}
}
