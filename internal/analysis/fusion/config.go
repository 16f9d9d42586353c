package fusion

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

// ExclusivePair names two patterns that cannot hold at the same time.
type ExclusivePair struct {
	A string `yaml:"a" toml:"a" json:"a"`
	B string `yaml:"b" toml:"b" json:"b"`
}

// Config is the immutable rule set of a fusion Engine.
type Config struct {
	BaseWeights    map[diagnosis.Modality]float64
	Exclusive      []ExclusivePair
	TopK           int
	TieEpsilon     float64
	MinConfidence  float64
	SecondaryCount int
	// StaleAfter 为 0 时不做陈旧数据惩罚。
	StaleAfter   time.Duration
	StalePenalty float64
}

// DefaultBaseWeights 问诊与望诊通常比闻诊更有诊断价值。
func DefaultBaseWeights() map[diagnosis.Modality]float64 {
	return map[diagnosis.Modality]float64{
		diagnosis.Looking:   0.3,
		diagnosis.Smelling:  0.1,
		diagnosis.Inquiry:   0.4,
		diagnosis.Palpation: 0.3,
	}
}

// DefaultExclusivePairs 同一脏腑系统内虚实寒热相反的证型。
func DefaultExclusivePairs() []ExclusivePair {
	return []ExclusivePair{
		{A: "实热证", B: "虚寒证"},
		{A: "阴虚证", B: "阳盛证"},
		{A: "肝火上炎", B: "肝血虚寒"},
		{A: "心火亢盛", B: "心阳不足"},
		{A: "脾胃湿热", B: "脾胃虚寒"},
		{A: "肺热壅盛", B: "肺气虚寒"},
		{A: "肾阴虚", B: "肾阳虚"},
		{A: "胃火炽盛", B: "胃阳虚"},
	}
}

// DefaultConfig returns the stock rule set.
func DefaultConfig() Config {
	return Config{
		BaseWeights:    DefaultBaseWeights(),
		Exclusive:      DefaultExclusivePairs(),
		TopK:           3,
		TieEpsilon:     0.01,
		MinConfidence:  0.3,
		SecondaryCount: 2,
		StalePenalty:   0.5,
	}
}

// Validate checks the rule set before an Engine is built from it.
func (c Config) Validate() error {
	total := 0.0
	for _, m := range diagnosis.AllModalities() {
		w, ok := c.BaseWeights[m]
		if !ok {
			return fmt.Errorf("missing base weight for %s", m)
		}
		if w < 0 {
			return fmt.Errorf("base weight for %s must not be negative, got %v", m, w)
		}
		total += w
	}
	for m := range c.BaseWeights {
		if !m.Valid() {
			return fmt.Errorf("unknown modality %q in base weights", m)
		}
	}
	if total <= 0 {
		return fmt.Errorf("base weights must not all be zero")
	}
	if c.TopK < 1 {
		return fmt.Errorf("top-k must be at least 1, got %d", c.TopK)
	}
	if c.TieEpsilon < 0 {
		return fmt.Errorf("tie epsilon must not be negative")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be within [0,1], got %v", c.MinConfidence)
	}
	if c.SecondaryCount < 0 {
		return fmt.Errorf("secondary count must not be negative")
	}
	if c.StalePenalty < 0 || c.StalePenalty > 1 {
		return fmt.Errorf("stale penalty must be within [0,1], got %v", c.StalePenalty)
	}
	for _, p := range c.Exclusive {
		a, b := strings.TrimSpace(p.A), strings.TrimSpace(p.B)
		if a == "" || b == "" {
			return fmt.Errorf("exclusive pair has an empty side: %q / %q", p.A, p.B)
		}
		if a == b {
			return fmt.Errorf("pattern %q cannot exclude itself", a)
		}
	}
	return nil
}

// clone deep-copies c and normalizes the exclusivity table: each pair is
// ordered A<B, duplicates are dropped and the table is sorted.
func (c Config) clone() Config {
	out := c
	out.BaseWeights = maps.Clone(c.BaseWeights)

	seen := make(map[ExclusivePair]bool, len(c.Exclusive))
	pairs := make([]ExclusivePair, 0, len(c.Exclusive))
	for _, p := range c.Exclusive {
		a, b := strings.TrimSpace(p.A), strings.TrimSpace(p.B)
		if b < a {
			a, b = b, a
		}
		np := ExclusivePair{A: a, B: b}
		if seen[np] {
			continue
		}
		seen[np] = true
		pairs = append(pairs, np)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A == pairs[j].A {
			return pairs[i].B < pairs[j].B
		}
		return pairs[i].A < pairs[j].A
	})
	out.Exclusive = pairs
	return out
}
