package modality

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

var (
	// ErrPending means the service has not finished analysing yet.
	ErrPending = errors.New("analysis pending")
	// ErrMalformed means the reply could not be understood.
	ErrMalformed = errors.New("malformed modality response")
)

// RejectedError is a business rejection such as an unusable image.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "rejected: " + e.Reason
}

// Result is a normalized modality finding.
type Result struct {
	Modality      diagnosis.Modality
	Patterns      []diagnosis.PatternScore
	RawConfidence float64
	RequestID     string
}

type patternPayload struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Payload is every field a modality service may send. Three shapes are
// understood: a patterns list, a tcm_patterns map and a single
// syndrome_pattern with confidence_score.
type Payload struct {
	Status          string             `json:"status,omitempty"`
	Patterns        []patternPayload   `json:"patterns,omitempty"`
	RawConfidence   *float64           `json:"raw_confidence,omitempty"`
	Confidence      *float64           `json:"confidence,omitempty"`
	TCMPatterns     map[string]float64 `json:"tcm_patterns,omitempty"`
	SyndromePattern string             `json:"syndrome_pattern,omitempty"`
	ConfidenceScore *float64           `json:"confidence_score,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	Message         string             `json:"message,omitempty"`
	RequestID       string             `json:"request_id,omitempty"`
}

// Decode parses and normalizes a raw modality reply.
func Decode(m diagnosis.Modality, body []byte) (Result, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p.Normalize(m)
}

// Normalize turns the payload into a Result, or ErrPending / *RejectedError.
func (p Payload) Normalize(m diagnosis.Modality) (Result, error) {
	switch strings.ToLower(strings.TrimSpace(p.Status)) {
	case "", "ok", "success", "completed", "done":
	case "pending", "processing", "queued", "running":
		return Result{}, ErrPending
	case "rejected", "failed", "error":
		reason := p.Reason
		if reason == "" {
			reason = p.Message
		}
		if reason == "" {
			reason = "unspecified"
		}
		return Result{}, &RejectedError{Reason: reason}
	default:
		return Result{}, fmt.Errorf("%w: unknown status %q", ErrMalformed, p.Status)
	}

	res := Result{Modality: m, RequestID: p.RequestID}
	switch {
	case len(p.Patterns) > 0:
		for _, pp := range p.Patterns {
			res.Patterns = append(res.Patterns, diagnosis.PatternScore{Name: strings.TrimSpace(pp.Name), Confidence: pp.Confidence})
		}
	case len(p.TCMPatterns) > 0:
		names := make([]string, 0, len(p.TCMPatterns))
		for name := range p.TCMPatterns {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			res.Patterns = append(res.Patterns, diagnosis.PatternScore{Name: strings.TrimSpace(name), Confidence: p.TCMPatterns[name]})
		}
	case p.SyndromePattern != "":
		c := 0.0
		if p.ConfidenceScore != nil {
			c = *p.ConfidenceScore
		}
		res.Patterns = []diagnosis.PatternScore{{Name: strings.TrimSpace(p.SyndromePattern), Confidence: c}}
	}

	kept := res.Patterns[:0]
	for _, ps := range res.Patterns {
		if ps.Name == "" {
			continue
		}
		ps.Confidence = clamp01(ps.Confidence)
		kept = append(kept, ps)
	}
	res.Patterns = kept
	if len(res.Patterns) == 0 {
		return Result{}, fmt.Errorf("%w: no patterns", ErrMalformed)
	}
	sort.SliceStable(res.Patterns, func(i, j int) bool {
		return res.Patterns[i].Confidence > res.Patterns[j].Confidence
	})

	switch {
	case p.RawConfidence != nil:
		res.RawConfidence = clamp01(*p.RawConfidence)
	case p.Confidence != nil:
		res.RawConfidence = clamp01(*p.Confidence)
	case p.ConfidenceScore != nil:
		res.RawConfidence = clamp01(*p.ConfidenceScore)
	default:
		res.RawConfidence = res.Patterns[0].Confidence
	}
	return res, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Validate rejects confidences outside [0,1] instead of clamping them. Pushed
// results go through it; polled replies are clamped.
func (p Payload) Validate() error {
	check := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s confidence %v is outside [0,1]", name, v)
		}
		return nil
	}
	for _, pp := range p.Patterns {
		if err := check(pp.Name, pp.Confidence); err != nil {
			return err
		}
	}
	for name, v := range p.TCMPatterns {
		if err := check(name, v); err != nil {
			return err
		}
	}
	for _, v := range []*float64{p.RawConfidence, p.Confidence, p.ConfidenceScore} {
		if v != nil {
			if err := check("raw", *v); err != nil {
				return err
			}
		}
	}
	return nil
}
