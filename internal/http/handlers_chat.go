package httpx

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/splax/resellermentor/internal/repository"
	"github.com/splax/resellermentor/internal/service/chat"
	"github.com/splax/resellermentor/internal/ws"
)

const connectedFrame = `{"connected":true}`

func (r *Router) handleChatSend(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload chat.SendRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	threadTS, err := r.chat.Send(req.Context(), payload)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrMissingMessage):
			writeError(w, http.StatusBadRequest, "Missing message")
		default:
			r.logger.Error("chat send failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to send message to Slack")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "thread_ts": threadTS})
}

func (r *Router) handleChatReply(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		if r.admit(w, req, rateRule{route: "/api/chat/reply", limit: rateLimitChatStream, window: rateWindowRealtime, subject: rateLimitKeyIP}) {
			r.handleChatStream(w, req)
		}
	case http.MethodPost:
		r.handleSlackEvent(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleSlackEvent(w http.ResponseWriter, req *http.Request) {
	body, err := readBody(req)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	result, err := r.chat.HandleEvent(req.Context(), req.Header, body)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrInvalidSignature):
			writeError(w, http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, chat.ErrInvalidPayload):
			writeError(w, http.StatusBadRequest, "invalid JSON body")
		default:
			r.logger.Error("slack event failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Server error")
		}
		return
	}
	if result.Challenge != "" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": result.Challenge})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": result.OK})
}

func (r *Router) handleChatStream(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "chat stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	threadTS, ok := r.streamThread(w, req)
	if !ok {
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	if err := client.Send([]byte(connectedFrame)); err != nil {
		return
	}
	r.hub.Register(threadTS, client)
	defer func() {
		r.hub.Unregister(threadTS, client)
		client.Close()
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleChatWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "chat stream unavailable")
		return
	}
	threadTS, ok := r.streamThread(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	if err := client.Send([]byte(connectedFrame)); err != nil {
		client.Close()
		return
	}
	r.hub.Register(threadTS, client)
	closed := make(chan struct{})
	go func() {
		defer func() {
			r.hub.Unregister(threadTS, client)
			client.Close()
			close(closed)
		}()
		client.ReadUntilClosed()
	}()
	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-closed:
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					// unblocks ReadUntilClosed so the reader unregisters
					client.Close()
					return
				}
			}
		}
	}()
}

// streamThread resolves the thread a stream subscribes to. Following every
// thread requires a support operator token; a single thread must exist.
func (r *Router) streamThread(w http.ResponseWriter, req *http.Request) (string, bool) {
	query := req.URL.Query()
	threadTS := strings.TrimSpace(query.Get("thread_ts"))
	if threadTS == "" || threadTS == ws.AllThreads {
		header := req.Header.Get("Authorization")
		if header == "" && query.Get("access_token") != "" {
			// EventSource and browser websockets cannot set headers
			header = "Bearer " + query.Get("access_token")
		}
		token, err := bearerToken(header)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return "", false
		}
		identity, _, err := r.auth.Authorize(req.Context(), token)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return "", false
		}
		if !r.chat.IsOperator(identity.Email) {
			writeError(w, http.StatusForbidden, "support operator access required")
			return "", false
		}
		return ws.AllThreads, true
	}
	if _, err := r.chat.Thread(req.Context(), threadTS); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown thread")
			return "", false
		}
		r.logger.Error("thread lookup failed", "thread_ts", threadTS, "error", err)
		writeError(w, http.StatusInternalServerError, "Server error")
		return "", false
	}
	return threadTS, true
}
