package results

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/tcm-fusion/backend/internal/middleware"
	"github.com/zhouzirui/tcm-fusion/backend/pkg/utils"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 25 * time.Second
)

// frameReply acknowledges one inbound frame.
type frameReply struct {
	Type string `json:"type"`
	*Ack
	*utils.ErrorBody
}

// handleWebSocket 流式诊法服务通过同一连接推送多个结果，每一帧单独确认。
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	m, err := pathModality(r)
	if err != nil {
		utils.RespondDomainError(w, err)
		return
	}
	caller := middleware.CallerFrom(r.Context())
	source := sourceFor(h.collector.Mode())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[websocket] %s intake connected", m)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(maxBodyBytes)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go pingLoop(ctx, conn)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] %s read error: %v", m, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if msgType != websocket.TextMessage {
			h.reply(conn, frameReply{Type: "error", ErrorBody: &utils.ErrorBody{Error: "only text frames are accepted", Kind: "InvalidArgument"}})
			continue
		}

		sub, err := decodeSubmission(m, data)
		if err == nil {
			sub.Caller = caller
			sub.Source = source
			err = h.collector.Submit(ctx, sub)
		}
		if err != nil {
			body := errorBody(err)
			h.reply(conn, frameReply{Type: "error", ErrorBody: &body})
			continue
		}
		ack := ackFor(sub)
		h.reply(conn, frameReply{Type: "ack", Ack: &ack})
	}
}

func (h *Handler) reply(conn *websocket.Conn, msg frameReply) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("[websocket] write failed: %v", err)
	}
}

// pingLoop 只使用 WriteControl，可与读循环中的写操作并发。
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
