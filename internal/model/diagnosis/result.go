package diagnosis

import (
	"maps"
	"slices"
	"time"
)

// WeightDistribution is the audited weight assignment used by one fusion run.
type WeightDistribution struct {
	Weights       map[Modality]float64 `json:"weights"`
	BaseWeights   map[Modality]float64 `json:"baseWeights"`
	Adjusted      map[Modality]float64 `json:"adjusted"`
	Redistributed map[Modality]float64 `json:"redistributed,omitempty"`
	Excluded      []Modality           `json:"excluded,omitempty"`
}

// Sum returns the total of the final weights.
func (w WeightDistribution) Sum() float64 {
	total := 0.0
	for _, v := range w.Weights {
		total += v
	}
	return total
}

// Resolution describes how a conflict was settled.
type Resolution string

const (
	ResolutionWeightedVote       Resolution = "weighted_vote"
	ResolutionBaseWeightTiebreak Resolution = "base_weight_tiebreak"
	ResolutionNameTiebreak       Resolution = "name_tiebreak"
)

// ConflictRecord audits one mutually-exclusive pattern pair resolution.
type ConflictRecord struct {
	PatternA        string     `json:"patternA"`
	PatternB        string     `json:"patternB"`
	SupportA        []Modality `json:"supportA"`
	SupportB        []Modality `json:"supportB"`
	ScoreA          float64    `json:"scoreA"`
	ScoreB          float64    `json:"scoreB"`
	Resolution      Resolution `json:"resolution"`
	ResolvedPattern string     `json:"resolvedPattern"`
	DemotedPattern  string     `json:"demotedPattern"`
}

// SecondaryPattern is a ranked runner-up; Demoted marks conflict losers.
type SecondaryPattern struct {
	Name          string  `json:"name"`
	Score         float64 `json:"score"`
	Demoted       bool    `json:"demoted,omitempty"`
	ConflictsWith string  `json:"conflictsWith,omitempty"`
}

// IntegratedDiagnosis is the fused result of all available evidence.
type IntegratedDiagnosis struct {
	SessionID           string             `json:"sessionId"`
	PrimaryPattern      string             `json:"primaryPattern"`
	SecondaryPatterns   []SecondaryPattern `json:"secondaryPatterns"`
	Confidence          float64            `json:"confidence"`
	Score               float64            `json:"score"`
	Partial             bool               `json:"partial"`
	AvailableModalities []Modality         `json:"availableModalities"`
	WeightDistribution  WeightDistribution `json:"weightDistribution"`
	Conflicts           []ConflictRecord   `json:"conflicts"`
	Reasoning           []string           `json:"reasoning"`
	ComputedAt          time.Time          `json:"computedAt"`
}

// HasConflicts reports whether the DiagnosisConflict flag applies.
func (d IntegratedDiagnosis) HasConflicts() bool {
	return len(d.Conflicts) > 0
}

// Clone deep-copies the diagnosis.
func (d IntegratedDiagnosis) Clone() IntegratedDiagnosis {
	out := d
	out.SecondaryPatterns = slices.Clone(d.SecondaryPatterns)
	out.AvailableModalities = slices.Clone(d.AvailableModalities)
	out.Reasoning = slices.Clone(d.Reasoning)
	out.Conflicts = slices.Clone(d.Conflicts)
	for i := range out.Conflicts {
		out.Conflicts[i].SupportA = slices.Clone(d.Conflicts[i].SupportA)
		out.Conflicts[i].SupportB = slices.Clone(d.Conflicts[i].SupportB)
	}
	out.WeightDistribution = WeightDistribution{
		Weights:       maps.Clone(d.WeightDistribution.Weights),
		BaseWeights:   maps.Clone(d.WeightDistribution.BaseWeights),
		Adjusted:      maps.Clone(d.WeightDistribution.Adjusted),
		Redistributed: maps.Clone(d.WeightDistribution.Redistributed),
		Excluded:      slices.Clone(d.WeightDistribution.Excluded),
	}
	return out
}
