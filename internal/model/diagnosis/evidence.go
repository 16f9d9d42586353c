package diagnosis

import (
	"maps"
	"slices"
	"time"
)

// Source records how a piece of evidence reached the coordinator.
type Source string

const (
	SourcePush    Source = "push"
	SourcePull    Source = "pull"
	SourceWebhook Source = "webhook"
)

// PatternScore is one TCM pattern claimed by a modality.
type PatternScore struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Evidence is the normalized output of one modality for one session.
type Evidence struct {
	Modality      Modality          `json:"modality"`
	Patterns      []PatternScore    `json:"patterns"`
	RawConfidence float64           `json:"rawConfidence"`
	ReceivedAt    time.Time         `json:"receivedAt"`
	Available     bool              `json:"available"`
	Source        Source            `json:"source,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// MetaReason is the metadata key holding why evidence is unavailable.
const MetaReason = "reason"

// Unavailable builds an available=false record carrying the reason.
func Unavailable(m Modality, reason string, source Source, at time.Time) Evidence {
	return Evidence{
		Modality:   m,
		ReceivedAt: at,
		Available:  false,
		Source:     source,
		Metadata:   map[string]string{MetaReason: reason},
	}
}

// Reason returns the unavailability reason, if any.
func (e Evidence) Reason() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[MetaReason]
}

// Clone returns a deep copy so snapshots never alias stored slices or maps.
func (e Evidence) Clone() Evidence {
	out := e
	out.Patterns = slices.Clone(e.Patterns)
	out.Metadata = maps.Clone(e.Metadata)
	return out
}
