package fusion

import (
	"time"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

// Engine runs weighting, conflict resolution and aggregation. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg and builds an Engine around a private copy of it.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg.clone()}, nil
}

// Config returns a copy of the engine's rule set.
func (e *Engine) Config() Config {
	return e.cfg.clone()
}

// Fuse turns an evidence snapshot into an IntegratedDiagnosis. The result
// depends only on the snapshot, the rule set and at.
func (e *Engine) Fuse(sessionID string, evidence []diagnosis.Evidence, at time.Time) (diagnosis.IntegratedDiagnosis, error) {
	available := latestAvailable(evidence)

	dist, err := e.Weigh(evidence)
	if err != nil {
		return diagnosis.IntegratedDiagnosis{}, err
	}

	resolution := e.ResolveConflicts(available, dist.Weights)

	return e.aggregate(sessionID, available, dist, resolution, at.UTC())
}

// latestAvailable keeps the newest available record per modality, in
// canonical modality order.
func latestAvailable(evidence []diagnosis.Evidence) []diagnosis.Evidence {
	latest := make(map[diagnosis.Modality]diagnosis.Evidence, 4)
	for _, ev := range evidence {
		if !ev.Available || !ev.Modality.Valid() {
			continue
		}
		if cur, ok := latest[ev.Modality]; ok && cur.ReceivedAt.After(ev.ReceivedAt) {
			continue
		}
		latest[ev.Modality] = ev
	}

	out := make([]diagnosis.Evidence, 0, len(latest))
	for _, m := range diagnosis.AllModalities() {
		if ev, ok := latest[m]; ok {
			out = append(out, ev)
		}
	}
	return out
}

// claimsOf returns a modality's patterns deduplicated by name (highest
// confidence kept), clamped into [0,1] and ordered by confidence.
func claimsOf(ev diagnosis.Evidence) []diagnosis.PatternScore {
	best := make(map[string]float64, len(ev.Patterns))
	order := make([]string, 0, len(ev.Patterns))
	for _, p := range ev.Patterns {
		if p.Name == "" {
			continue
		}
		c := clamp01(p.Confidence)
		if prev, ok := best[p.Name]; ok {
			if c > prev {
				best[p.Name] = c
			}
			continue
		}
		best[p.Name] = c
		order = append(order, p.Name)
	}

	out := make([]diagnosis.PatternScore, 0, len(order))
	for _, name := range order {
		out = append(out, diagnosis.PatternScore{Name: name, Confidence: best[name]})
	}
	sortByConfidence(out)
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
