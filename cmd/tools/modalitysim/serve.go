package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/tcm-fusion/backend/pkg/utils"
)

var (
	serveAddr    string
	servePending int
	serveDelay   time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a fake modality service for pull and webhook modes",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":9100", "listen address")
	serveCmd.Flags().IntVar(&servePending, "pending", 1, "polls answered with processing before the result is ready")
	serveCmd.Flags().DurationVar(&serveDelay, "delay", time.Second, "delay before a webhook callback")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	sim, err := newSimulator()
	if err != nil {
		return err
	}
	sim.pending = servePending

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: serveAddr, Handler: sim.routes(ctx, serveDelay), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	cmd.Printf("%s 诊法模拟服务监听 %s\n", sim.modality.DisplayName(), serveAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *simulator) result(sessionID string) map[string]any {
	return map[string]any{
		"status":         "completed",
		"session_id":     sessionID,
		"patterns":       []map[string]any{{"name": s.pattern, "confidence": s.confidence}},
		"raw_confidence": s.confidence,
		"request_id":     fmt.Sprintf("%s-%d", s.modality, time.Now().UnixNano()),
	}
}

// routes mirrors the modality service contract the coordinator adapters
// speak: GET /results/{id} for polling and POST /analyze for callbacks.
func (s *simulator) routes(ctx context.Context, delay time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Get("/results/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		s.mu.Lock()
		s.polls[sessionID]++
		n := s.polls[sessionID]
		s.mu.Unlock()

		if n <= s.pending {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "processing"})
			return
		}
		utils.RespondJSON(w, http.StatusOK, s.result(sessionID))
	})

	r.Post("/analyze", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			SessionID   string `json:"session_id"`
			CallbackURL string `json:"callback_url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.SessionID == "" || payload.CallbackURL == "" {
			utils.RespondError(w, http.StatusBadRequest, "session_id and callback_url are required")
			return
		}
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			cbCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := s.deliver(cbCtx, payload.CallbackURL, payload.SessionID); err != nil {
				log.Printf("[sim] callback for %s failed: %v", payload.SessionID, err)
				return
			}
			log.Printf("[sim] delivered %s result for %s", s.modality, payload.SessionID)
		}()
		utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	})

	return r
}
