package session

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
	"github.com/zhouzirui/tcm-fusion/backend/internal/service/collector"
	diagnosisService "github.com/zhouzirui/tcm-fusion/backend/internal/service/diagnosis"
	sessionService "github.com/zhouzirui/tcm-fusion/backend/internal/service/session"
	"github.com/zhouzirui/tcm-fusion/backend/pkg/utils"
)

// Options 控制会话处理器的行为。
type Options struct {
	// AutoStart 创建会话后立即开始收集四诊数据。
	AutoStart bool
	// Heartbeat 是事件流的心跳间隔。
	Heartbeat time.Duration
}

// Handler 诊断会话的HTTP处理器
type Handler struct {
	sessions  *sessionService.Service
	collector *collector.Collector
	diagnoses *diagnosisService.Service
	opts      Options
}

// New 创建会话处理器
func New(sessions *sessionService.Service, c *collector.Collector, diagnoses *diagnosisService.Service, opts Options) *Handler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &Handler{
		sessions:  sessions,
		collector: c,
		diagnoses: diagnoses,
		opts:      opts,
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreateSession)
	r.Get("/sessions/{sessionID}", h.handleGetSession)
	r.Post("/sessions/{sessionID}/collect", h.handleCollect)
	r.Post("/sessions/{sessionID}/reset", h.handleReset)
	r.Get("/sessions/{sessionID}/diagnosis", h.handleGetDiagnosis)
	r.Get("/sessions/{sessionID}/recommendations", h.handleRecommendations)
	r.Get("/sessions/{sessionID}/events", h.handleEvents)
	r.Get("/users/{userID}/sessions", h.handleListSessions)
}

// Summary is the public view of a session.
type Summary struct {
	SessionID          string                        `json:"session_id"`
	UserID             string                        `json:"user_id"`
	Status             diagnosis.Status              `json:"status"`
	CreatedAt          time.Time                     `json:"created_at"`
	UpdatedAt          time.Time                     `json:"updated_at"`
	ExpiresAt          time.Time                     `json:"expires_at"`
	CollectionDeadline *time.Time                    `json:"collection_deadline,omitempty"`
	Availability       map[diagnosis.Modality]string `json:"availability"`
	Metadata           map[string]string             `json:"metadata,omitempty"`
	ResetCount         int                           `json:"reset_count"`
	Version            int64                         `json:"version"`
}

func summarize(s diagnosis.Session) Summary {
	out := Summary{
		SessionID:    s.ID,
		UserID:       s.UserID,
		Status:       s.Status,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		ExpiresAt:    s.ExpiresAt,
		Availability: s.Availability(),
		Metadata:     s.Metadata,
		ResetCount:   s.ResetCount,
		Version:      s.Version,
	}
	if !s.CollectionDeadline.IsZero() {
		deadline := s.CollectionDeadline
		out.CollectionDeadline = &deadline
	}
	return out
}

// handleCreateSession 创建诊断会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID   string            `json:"user_id"`
		Metadata map[string]string `json:"metadata"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.sessions.CreateSession(r.Context(), payload.UserID, payload.Metadata)
	if err != nil {
		utils.RespondDomainError(w, err)
		return
	}

	if h.opts.AutoStart {
		started, err := h.collector.Start(r.Context(), created.ID)
		if err != nil {
			log.Printf("[session] auto start failed for %s: %v", created.ID, err)
		} else {
			created = started
		}
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]any{
		"session_id": created.ID,
		"status":     created.Status,
		"created_at": created.CreatedAt,
	})
}

// handleGetSession 查询会话概要
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondDomainError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, summarize(s))
}

// handleCollect 开始收集四诊数据
func (h *Handler) handleCollect(w http.ResponseWriter, r *http.Request) {
	s, err := h.collector.Start(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondDomainError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, summarize(s))
}

// handleReset 重置终态会话以便重新采集
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Reset(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondDomainError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, summarize(s))
}

// handleGetDiagnosis 完成时返回综合诊断，否则返回 202 与各诊法到达情况
func (h *Handler) handleGetDiagnosis(w http.ResponseWriter, r *http.Request) {
	view, err := h.diagnoses.GetDiagnosis(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondDomainError(w, err)
		return
	}
	if !view.Ready {
		utils.RespondJSON(w, http.StatusAccepted, map[string]any{
			"session_id":   view.SessionID,
			"status":       view.Status,
			"availability": view.Availability,
		})
		return
	}
	utils.RespondJSON(w, http.StatusOK, view.Diagnosis)
}

// handleRecommendations 返回调理建议
func (h *Handler) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	resp, err := h.diagnoses.Recommend(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondDomainError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

// handleListSessions 分页查询用户的历史会话
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	limit, offset = sessionService.NormalizePage(limit, offset)

	sessions, total, err := h.sessions.ListSessions(r.Context(), chi.URLParam(r, "userID"), limit, offset)
	if err != nil {
		utils.RespondDomainError(w, err)
		return
	}

	items := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, summarize(s))
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessions": items,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
