// Package modality talks to the four external diagnostic services.
package modality

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

// Adapter is the uniform client for one modality service.
type Adapter interface {
	Modality() diagnosis.Modality
	// Fetch polls once for a finished result (pull mode).
	Fetch(ctx context.Context, sessionID string) (Result, error)
	// Request asks the service to analyse and call back later (webhook mode).
	Request(ctx context.Context, sessionID, callbackURL string) error
}

// Config describes one modality service endpoint.
type Config struct {
	Modality diagnosis.Modality
	BaseURL  string
	// Timeout bounds a single attempt.
	Timeout  time.Duration
	Retries int
	Token   string
}

// HTTPAdapter implements Adapter over JSON/HTTP.
//
//	GET  {base}/results/{session_id}              -> result payload
//	POST {base}/analyze {session_id, callback_url} -> 2xx accepted
type HTTPAdapter struct {
	cfg     Config
	client  *http.Client
	backoff Backoff
}

// NewHTTPAdapter builds an adapter. client may be shared between adapters.
func NewHTTPAdapter(cfg Config, client *http.Client) (*HTTPAdapter, error) {
	if !cfg.Modality.Valid() {
		return nil, fmt.Errorf("invalid modality %q", cfg.Modality)
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid %s service url: %w", cfg.Modality, err)
	}
	if client == nil {
		client = NewHTTPClient()
	}

	backoff := DefaultBackoff()
	if cfg.Retries > 0 {
		backoff.Attempts = cfg.Retries
	}
	if cfg.Timeout > 0 {
		backoff.PerAttempt = cfg.Timeout
	}

	return &HTTPAdapter{cfg: cfg, client: client, backoff: backoff}, nil
}

// SetBackoff overrides the retry policy.
func (a *HTTPAdapter) SetBackoff(b Backoff) {
	a.backoff = b
}

func (a *HTTPAdapter) Modality() diagnosis.Modality {
	return a.cfg.Modality
}

// Fetch polls the service once, retrying transient failures.
func (a *HTTPAdapter) Fetch(ctx context.Context, sessionID string) (Result, error) {
	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/results/" + url.PathEscape(sessionID)

	var res Result
	err := Retry(ctx, a.backoff, func(ctx context.Context) error {
		body, err := a.do(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		res, err = Decode(a.cfg.Modality, body)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Request triggers an analysis that will be delivered to callbackURL.
func (a *HTTPAdapter) Request(ctx context.Context, sessionID, callbackURL string) error {
	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/analyze"
	payload, err := json.Marshal(map[string]string{
		"session_id":   sessionID,
		"callback_url": callbackURL,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return Retry(ctx, a.backoff, func(ctx context.Context) error {
		_, err := a.do(ctx, http.MethodPost, endpoint, payload)
		return err
	})
}

func (a *HTTPAdapter) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		log.Printf("[modality] %s %s failed: %v", a.cfg.Modality, method, err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", a.cfg.Modality, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
