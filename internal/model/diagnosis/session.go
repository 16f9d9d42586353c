package diagnosis

import (
	"maps"
	"time"
)

// Status 表示诊断会话的生命周期状态。
type Status string

const (
	StatusCreated        Status = "created"
	StatusCollecting     Status = "collecting"
	StatusReadyForFusion Status = "ready_for_fusion"
	StatusCompleted      Status = "completed"
	StatusExpired        Status = "expired"
	StatusFailed         Status = "failed"
)

var transitions = map[Status][]Status{
	StatusCreated:        {StatusCollecting, StatusFailed, StatusExpired},
	StatusCollecting:     {StatusReadyForFusion, StatusExpired, StatusFailed},
	StatusReadyForFusion: {StatusCompleted, StatusFailed, StatusExpired},
}

// CanTransition reports whether a session may move from s to next.
// Statuses only move forward; reset-for-retry is handled separately.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further forward transition exists.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusFailed:
		return true
	default:
		return false
	}
}

// AcceptsEvidence reports whether new evidence may still be written.
func (s Status) AcceptsEvidence() bool {
	return s == StatusCreated || s == StatusCollecting
}

// FusionClaim marks the single fusion run allowed to operate on a session.
type FusionClaim struct {
	RunID     string    `json:"runId"`
	ClaimedAt time.Time `json:"claimedAt"`
}

// Failure records why a session ended in the failed state.
type Failure struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Session is the coordinator-owned record of one diagnostic session.
type Session struct {
	ID                 string                `json:"id"`
	UserID             string                `json:"userId"`
	Status             Status                `json:"status"`
	Metadata           map[string]string     `json:"metadata,omitempty"`
	CreatedAt          time.Time             `json:"createdAt"`
	UpdatedAt          time.Time             `json:"updatedAt"`
	ExpiresAt          time.Time             `json:"expiresAt"`
	CollectionDeadline time.Time             `json:"collectionDeadline,omitempty"`
	Evidence           map[Modality]Evidence `json:"evidence,omitempty"`
	Claim              *FusionClaim          `json:"claim,omitempty"`
	Diagnosis          *IntegratedDiagnosis  `json:"diagnosis,omitempty"`
	Failure            *Failure              `json:"failure,omitempty"`
	ResetCount         int                   `json:"resetCount"`
	Version            int64                 `json:"version"`
}

// Clone deep-copies the session so callers can mutate freely before a CAS.
func (s Session) Clone() Session {
	out := s
	out.Metadata = maps.Clone(s.Metadata)
	if s.Evidence != nil {
		out.Evidence = make(map[Modality]Evidence, len(s.Evidence))
		for k, v := range s.Evidence {
			out.Evidence[k] = v.Clone()
		}
	}
	if s.Claim != nil {
		claim := *s.Claim
		out.Claim = &claim
	}
	if s.Diagnosis != nil {
		d := s.Diagnosis.Clone()
		out.Diagnosis = &d
	}
	if s.Failure != nil {
		f := *s.Failure
		out.Failure = &f
	}
	return out
}

// Availability maps every modality to its current state:
// "available", "unavailable" or "pending".
func (s Session) Availability() map[Modality]string {
	out := make(map[Modality]string, 4)
	for _, m := range AllModalities() {
		ev, ok := s.Evidence[m]
		switch {
		case !ok:
			out[m] = "pending"
		case ev.Available:
			out[m] = "available"
		default:
			out[m] = "unavailable"
		}
	}
	return out
}

// AvailableEvidence returns the available evidence in canonical modality order.
func (s Session) AvailableEvidence() []Evidence {
	out := make([]Evidence, 0, len(s.Evidence))
	for _, m := range AllModalities() {
		if ev, ok := s.Evidence[m]; ok && ev.Available {
			out = append(out, ev.Clone())
		}
	}
	return out
}

// EvidenceSnapshot returns all evidence, available or not, in canonical order.
func (s Session) EvidenceSnapshot() []Evidence {
	out := make([]Evidence, 0, len(s.Evidence))
	for _, m := range AllModalities() {
		if ev, ok := s.Evidence[m]; ok {
			out = append(out, ev.Clone())
		}
	}
	return out
}

// AllAvailable reports whether all four modalities delivered usable evidence.
func (s Session) AllAvailable() bool {
	for _, m := range AllModalities() {
		if ev, ok := s.Evidence[m]; !ok || !ev.Available {
			return false
		}
	}
	return true
}
