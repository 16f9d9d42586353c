package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tcm-fusion/backend/internal/analysis/fusion"
	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
	"github.com/zhouzirui/tcm-fusion/backend/internal/service/collector"
	diagnosisService "github.com/zhouzirui/tcm-fusion/backend/internal/service/diagnosis"
	sessionService "github.com/zhouzirui/tcm-fusion/backend/internal/service/session"
)

var testTokens = map[string]diagnosis.Modality{
	"tok-looking":   diagnosis.Looking,
	"tok-smelling":  diagnosis.Smelling,
	"tok-inquiry":   diagnosis.Inquiry,
	"tok-palpation": diagnosis.Palpation,
}

func tokenFor(m diagnosis.Modality) string {
	return "tok-" + string(m)
}

type testEnv struct {
	router   http.Handler
	sessions *sessionService.Service
}

func setupRouter(t *testing.T, deadline time.Duration, autoStart bool) *testEnv {
	t.Helper()
	sessions := sessionService.NewService(diagnosis.NewMemoryStore(), sessionService.Options{})
	engine, err := fusion.NewEngine(fusion.DefaultConfig())
	require.NoError(t, err)
	diagnoses := diagnosisService.NewService(sessions, engine, nil, 0)

	opts := collector.DefaultOptions()
	opts.Deadline = deadline
	c, err := collector.New(sessions, nil, diagnoses, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		c.Wait()
	})

	router := NewRouter(Dependencies{
		Sessions:      sessions,
		Collector:     c,
		Diagnoses:     diagnoses,
		ServiceTokens: testTokens,
		AutoStart:     autoStart,
	})
	return &testEnv{router: router, sessions: sessions}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func (e *testEnv) createSession(t *testing.T, user string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/sessions", map[string]any{"user_id": user}, "")
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	var created struct {
		SessionID string           `json:"session_id"`
		Status    diagnosis.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	require.NotEmpty(t, created.SessionID)
	return created.SessionID
}

func pushBody(sessionID, pattern string, confidence float64) map[string]any {
	return map[string]any{
		"session_id":     sessionID,
		"patterns":       []map[string]any{{"name": pattern, "confidence": confidence}},
		"raw_confidence": confidence,
	}
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out), resp.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	resp := env.do(t, http.MethodGet, "/healthz", nil, "")

	require.Equal(t, http.StatusOK, resp.Code)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "push", body["mode"])
}

func TestCreateSessionMissingUser(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	resp := env.do(t, http.MethodPost, "/sessions", map[string]any{}, "")

	require.Equal(t, http.StatusBadRequest, resp.Code)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "InvalidArgument", body["kind"])
}

func TestCreateSessionInvalidBody(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader("{"))
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	resp := env.do(t, http.MethodGet, "/sessions/missing", nil, "")

	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "NotFound", decode[map[string]string](t, resp)["kind"])
}

func TestFullPushFlow(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	id := env.createSession(t, "patient-1")

	resp := env.do(t, http.MethodPost, "/sessions/"+id+"/collect", nil, "")
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	assert.Equal(t, "collecting", decode[map[string]any](t, resp)["status"])

	resp = env.do(t, http.MethodGet, "/sessions/"+id+"/diagnosis", nil, "")
	require.Equal(t, http.StatusAccepted, resp.Code)
	pending := decode[map[string]any](t, resp)
	assert.Equal(t, "collecting", pending["status"])
	assert.Equal(t, "pending", pending["availability"].(map[string]any)["inquiry"])

	for _, m := range diagnosis.AllModalities() {
		resp := env.do(t, http.MethodPost, "/results/"+string(m), pushBody(id, "脾气虚", 0.8), tokenFor(m))
		require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	}

	var result diagnosis.IntegratedDiagnosis
	require.Eventually(t, func() bool {
		resp := env.do(t, http.MethodGet, "/sessions/"+id+"/diagnosis", nil, "")
		if resp.Code != http.StatusOK {
			return false
		}
		result = decode[diagnosis.IntegratedDiagnosis](t, resp)
		return true
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "脾气虚", result.PrimaryPattern)
	assert.False(t, result.Partial)
	assert.Len(t, result.AvailableModalities, 4)

	resp = env.do(t, http.MethodGet, "/sessions/"+id+"/recommendations", nil, "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	rec := decode[map[string]any](t, resp)
	assert.NotEmpty(t, rec["herbalFormula"])

	// 融合完成后的迟到结果被拒绝
	resp = env.do(t, http.MethodPost, "/results/inquiry", pushBody(id, "肾阴虚", 0.9), tokenFor(diagnosis.Inquiry))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestRecommendationsBeforeDiagnosis(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	id := env.createSession(t, "patient-1")

	resp := env.do(t, http.MethodGet, "/sessions/"+id+"/recommendations", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestPushRequiresToken(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	id := env.createSession(t, "patient-1")

	resp := env.do(t, http.MethodPost, "/results/looking", pushBody(id, "血瘀证", 0.7), "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestPushCallerMismatch(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	id := env.createSession(t, "patient-1")

	resp := env.do(t, http.MethodPost, "/results/inquiry", pushBody(id, "血瘀证", 0.7), tokenFor(diagnosis.Looking))
	require.Equal(t, http.StatusForbidden, resp.Code)

	s, err := env.sessions.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, s.Evidence)
}

func TestPushAcceptsModalityAlias(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	id := env.createSession(t, "patient-1")

	resp := env.do(t, http.MethodPost, "/results/pulse", pushBody(id, "血瘀证", 0.7), tokenFor(diagnosis.Palpation))
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	assert.Equal(t, "palpation", decode[map[string]any](t, resp)["modality"])
}

func TestPushValidation(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	id := env.createSession(t, "patient-1")

	cases := map[string]struct {
		path string
		body map[string]any
		want int
	}{
		"unknown modality": {"/results/telepathy", pushBody(id, "血瘀证", 0.7), http.StatusBadRequest},
		"out of range":     {"/results/looking", pushBody(id, "血瘀证", 1.7), http.StatusBadRequest},
		"no session":       {"/results/looking", pushBody("", "血瘀证", 0.7), http.StatusBadRequest},
		"unknown session":  {"/results/looking", pushBody("nope", "血瘀证", 0.7), http.StatusNotFound},
		"pending":          {"/results/looking", map[string]any{"session_id": id, "status": "processing"}, http.StatusBadRequest},
		"no patterns":      {"/results/looking", map[string]any{"session_id": id, "raw_confidence": 0.5}, http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, tc.path, tc.body, tokenFor(diagnosis.Looking))
			assert.Equal(t, tc.want, resp.Code, resp.Body.String())
		})
	}
}

func TestPushUnavailableAndRejected(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	id := env.createSession(t, "patient-1")

	resp := env.do(t, http.MethodPost, "/results/looking",
		map[string]any{"session_id": id, "available": false, "reason": "image too dark"}, tokenFor(diagnosis.Looking))
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	assert.Equal(t, false, decode[map[string]any](t, resp)["available"])

	resp = env.do(t, http.MethodPost, "/results/smelling",
		map[string]any{"session_id": id, "status": "rejected", "message": "no audio"}, tokenFor(diagnosis.Smelling))
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	s, err := env.sessions.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, diagnosis.StatusCollecting, s.Status)
	assert.Equal(t, "image too dark", s.Evidence[diagnosis.Looking].Reason())
	assert.Equal(t, "rejected: no audio", s.Evidence[diagnosis.Smelling].Reason())
	assert.Equal(t, "unavailable", s.Availability()[diagnosis.Smelling])
}

func TestDeadlineExpiryThenReset(t *testing.T) {
	env := setupRouter(t, 100*time.Millisecond, true)
	id := env.createSession(t, "patient-1")

	require.Eventually(t, func() bool {
		s, err := env.sessions.Load(context.Background(), id)
		return err == nil && s.Status == diagnosis.StatusExpired
	}, 3*time.Second, 10*time.Millisecond)

	resp := env.do(t, http.MethodGet, "/sessions/"+id+"/diagnosis", nil, "")
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "InsufficientData", body["kind"])
	assert.NotEmpty(t, body["suggestion"])

	resp = env.do(t, http.MethodGet, "/sessions/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = env.do(t, http.MethodPost, "/sessions/"+id+"/reset", nil, "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	summary := decode[map[string]any](t, resp)
	assert.Equal(t, "created", summary["status"])
	assert.EqualValues(t, 1, summary["reset_count"])
}

func TestResetRejectsLiveSession(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	id := env.createSession(t, "patient-1")

	resp := env.do(t, http.MethodPost, "/sessions/"+id+"/reset", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestListUserSessions(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	for i := 0; i < 3; i++ {
		env.createSession(t, "patient-7")
	}
	env.createSession(t, "someone-else")

	resp := env.do(t, http.MethodGet, "/users/patient-7/sessions?limit=2", nil, "")
	require.Equal(t, http.StatusOK, resp.Code)

	var page struct {
		Sessions []map[string]any `json:"sessions"`
		Total    int              `json:"total"`
		Limit    int              `json:"limit"`
		Offset   int              `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Limit)
	assert.Len(t, page.Sessions, 2)

	resp = env.do(t, http.MethodGet, "/users/patient-7/sessions?limit=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestAutoStartCollection(t *testing.T) {
	env := setupRouter(t, time.Minute, true)
	resp := env.do(t, http.MethodPost, "/sessions", map[string]any{"user_id": "patient-1"}, "")

	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, "collecting", decode[map[string]any](t, resp)["status"])
}

func TestEventStream(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	id := env.createSession(t, "patient-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sessions/"+id+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	next := func() sessionService.Event {
		t.Helper()
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev sessionService.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			return ev
		}
		t.Fatalf("stream ended: %v", scanner.Err())
		return sessionService.Event{}
	}

	first := next()
	assert.Equal(t, diagnosis.StatusCreated, first.Status)

	for _, m := range diagnosis.AllModalities() {
		r := env.do(t, http.MethodPost, "/results/"+string(m), pushBody(id, "肝郁气滞", 0.75), tokenFor(m))
		require.Equal(t, http.StatusAccepted, r.Code)
	}

	var last sessionService.Event
	for last.Status != diagnosis.StatusCompleted {
		ev := next()
		assert.Greater(t, ev.Version, first.Version)
		last = ev
	}
	assert.Equal(t, "available", last.Availability[diagnosis.Palpation])
}

func TestWebSocketIntake(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	id := env.createSession(t, "patient-1")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/results/looking?token=" + tokenFor(diagnosis.Looking)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := json.Marshal(pushBody(id, "血瘀证", 0.7))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "ack", ack["type"])
	assert.Equal(t, "accepted", ack["status"])
	assert.Equal(t, id, ack["session_id"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var nack map[string]any
	require.NoError(t, conn.ReadJSON(&nack))
	assert.Equal(t, "error", nack["type"])
	assert.Equal(t, "InvalidArgument", nack["kind"])

	s, err := env.sessions.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "available", s.Availability()[diagnosis.Looking])
}

func TestWebSocketRequiresToken(t *testing.T) {
	env := setupRouter(t, time.Minute, false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/results/looking"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
