package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/tcm-fusion/backend/internal/service/modality"
)

var (
	pushTarget  string
	pushTimeout time.Duration
)

var pushCmd = &cobra.Command{
	Use:   "push [session-id]",
	Short: "Push one result to the coordinator",
	Args:  cobra.ExactArgs(1),
	RunE:  runPush,
}

func init() {
	pushCmd.Flags().StringVar(&pushTarget, "target", "", "coordinator base URL (default PUBLIC_BASE_URL)")
	pushCmd.Flags().DurationVar(&pushTimeout, "timeout", 30*time.Second, "overall timeout")
	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) error {
	sim, err := newSimulator()
	if err != nil {
		return err
	}

	target := pushTarget
	if target == "" && cfg != nil {
		target = cfg.Server.PublicBaseURL
	}
	if target == "" {
		return errors.New("--target is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	endpoint := strings.TrimRight(target, "/") + "/results/" + string(sim.modality)
	if err := sim.deliver(ctx, endpoint, args[0]); err != nil {
		return err
	}
	cmd.Printf("推送成功: session=%s modality=%s pattern=%s\n", args[0], sim.modality, sim.pattern)
	return nil
}

// deliver posts a result, retrying transient failures.
func (s *simulator) deliver(ctx context.Context, endpoint, sessionID string) error {
	body, err := json.Marshal(s.result(sessionID))
	if err != nil {
		return err
	}
	return modality.Retry(ctx, modality.DefaultBackoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode/100 != 2 {
			return &modality.StatusError{Code: resp.StatusCode, Body: string(reply)}
		}
		return nil
	})
}
