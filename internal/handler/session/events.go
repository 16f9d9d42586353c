package session

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	sessionService "github.com/zhouzirui/tcm-fusion/backend/internal/service/session"
	"github.com/zhouzirui/tcm-fusion/backend/pkg/utils"
)

// handleEvents 通过 SSE 推送会话状态与各诊法到达情况，会话进入终态后关闭。
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// 先订阅再读取快照，避免两者之间的变更丢失。
	events, cancel := h.sessions.Events().Subscribe(sessionID)
	defer cancel()

	current, err := h.sessions.Load(r.Context(), sessionID)
	if err != nil {
		utils.RespondDomainError(w, err)
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	log.Printf("[sse] opening event stream for session=%s", sessionID)

	snapshot := sessionService.Event{
		SessionID:    current.ID,
		Status:       current.Status,
		Availability: current.Availability(),
		Version:      current.Version,
		At:           current.UpdatedAt,
	}
	if err := utils.SendSSEEvent(w, flusher, "status", snapshot.Version, snapshot); err != nil || current.Status.Terminal() {
		return
	}

	ticker := time.NewTicker(h.opts.Heartbeat)
	defer ticker.Stop()

	lastVersion := current.Version
	for {
		select {
		case <-ctx.Done():
			log.Printf("[sse] closing event stream for session=%s", sessionID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Version <= lastVersion {
				continue
			}
			lastVersion = ev.Version
			if err := utils.SendSSEEvent(w, flusher, "status", ev.Version, ev); err != nil {
				log.Printf("[sse] session=%s write failed: %v", sessionID, err)
				return
			}
			if ev.Status.Terminal() {
				return
			}
		case t := <-ticker.C:
			err := utils.SendSSEEvent(w, flusher, "heartbeat", 0, map[string]any{
				"session_id": sessionID,
				"time":       t.UTC().Format(time.RFC3339),
			})
			if err != nil {
				return
			}
		}
	}
}
