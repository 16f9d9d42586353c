package results

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/tcm-fusion/backend/internal/middleware"
	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
	"github.com/zhouzirui/tcm-fusion/backend/internal/service/collector"
	"github.com/zhouzirui/tcm-fusion/backend/internal/service/modality"
	"github.com/zhouzirui/tcm-fusion/backend/pkg/utils"
)

const maxBodyBytes = 1 << 20

// Handler 接收各诊法服务推送的分析结果
type Handler struct {
	collector *collector.Collector
	upgrader  websocket.Upgrader
}

// New 创建结果处理器
func New(c *collector.Collector) *Handler {
	return &Handler{
		collector: c,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册结果推送路由，调用方需先挂载 ServiceAuth。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/results/{modality}", h.handlePush)
	r.Get("/ws/results/{modality}", h.handleWebSocket)
}

// pushBody is a pushed result: the common modality reply plus the session
// it belongs to and an explicit availability flag.
type pushBody struct {
	SessionID string `json:"session_id"`
	Available *bool  `json:"available,omitempty"`
	modality.Payload
}

// Ack confirms a pushed result.
type Ack struct {
	Status    string             `json:"status"`
	SessionID string             `json:"session_id"`
	Modality  diagnosis.Modality `json:"modality"`
	Available bool               `json:"available"`
	RequestID string             `json:"request_id,omitempty"`
}

func pathModality(r *http.Request) (diagnosis.Modality, error) {
	raw := chi.URLParam(r, "modality")
	m, ok := diagnosis.ParseModality(raw)
	if !ok {
		return "", diagnosis.Errorf(diagnosis.KindInvalidArgument, "unknown modality %q", raw)
	}
	return m, nil
}

// handlePush 处理 HTTP 推送（push 模式）与回调（webhook 模式）
func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	m, err := pathModality(r)
	if err != nil {
		utils.RespondDomainError(w, err)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	sub, err := decodeSubmission(m, raw)
	if err != nil {
		utils.RespondDomainError(w, err)
		return
	}
	sub.Caller = middleware.CallerFrom(r.Context())
	sub.Source = sourceFor(h.collector.Mode())

	if err := h.collector.Submit(r.Context(), sub); err != nil {
		utils.RespondDomainError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, ackFor(sub))
}

// sourceFor 在 webhook 模式下推送即为回调。
func sourceFor(mode collector.Mode) diagnosis.Source {
	if mode == collector.ModeWebhook {
		return diagnosis.SourceWebhook
	}
	return diagnosis.SourcePush
}

func ackFor(sub collector.Submission) Ack {
	return Ack{
		Status:    "accepted",
		SessionID: sub.SessionID,
		Modality:  sub.Modality,
		Available: sub.Available,
		RequestID: sub.RequestID,
	}
}

// decodeSubmission turns a pushed body into a Submission. Out-of-range
// confidences are rejected rather than clamped; a rejected status becomes an
// unavailable record.
func decodeSubmission(m diagnosis.Modality, raw []byte) (collector.Submission, error) {
	var body pushBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return collector.Submission{}, diagnosis.Wrap(diagnosis.KindInvalidArgument, err, "invalid request body")
	}

	sub := collector.Submission{
		SessionID: strings.TrimSpace(body.SessionID),
		Modality:  m,
		RequestID: body.RequestID,
	}
	if sub.SessionID == "" {
		return collector.Submission{}, diagnosis.Errorf(diagnosis.KindInvalidArgument, "session_id is required")
	}

	if body.Available != nil && !*body.Available {
		sub.Reason = strings.TrimSpace(body.Reason)
		if sub.Reason == "" {
			sub.Reason = "unavailable"
		}
		return sub, nil
	}

	if err := body.Validate(); err != nil {
		return collector.Submission{}, diagnosis.Wrap(diagnosis.KindInvalidArgument, err, "invalid result")
	}

	res, err := body.Normalize(m)
	var rejected *modality.RejectedError
	switch {
	case errors.As(err, &rejected):
		sub.Reason = rejected.Error()
		return sub, nil
	case errors.Is(err, modality.ErrPending):
		return collector.Submission{}, diagnosis.Errorf(diagnosis.KindInvalidArgument, "a pending result cannot be pushed")
	case err != nil:
		return collector.Submission{}, diagnosis.Wrap(diagnosis.KindInvalidArgument, err, "invalid result")
	}

	sub.Available = true
	sub.Patterns = res.Patterns
	sub.RawConfidence = res.RawConfidence
	return sub, nil
}

func errorBody(err error) utils.ErrorBody {
	kind := diagnosis.KindOf(err)
	body := utils.ErrorBody{Error: err.Error(), Kind: string(kind), Suggestion: diagnosis.SuggestionOf(err)}
	if utils.StatusOf(err) == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	return body
}
