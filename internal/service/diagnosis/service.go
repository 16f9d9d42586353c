// Package diagnosis runs fusion for sessions and serves the results.
package diagnosis

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/tcm-fusion/backend/internal/analysis/fusion"
	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
	"github.com/zhouzirui/tcm-fusion/backend/internal/service/recommendation"
	"github.com/zhouzirui/tcm-fusion/backend/internal/service/session"
)

// DefaultLease is how long a fusion claim blocks other runs.
const DefaultLease = 30 * time.Second

// View is what a caller sees when asking for a session's diagnosis.
type View struct {
	SessionID    string                         `json:"sessionId"`
	Status       diagnosis.Status               `json:"status"`
	Ready        bool                           `json:"ready"`
	Diagnosis    *diagnosis.IntegratedDiagnosis `json:"diagnosis,omitempty"`
	Availability map[diagnosis.Modality]string  `json:"availability"`
}

// Service owns the fusion run of each session.
type Service struct {
	sessions *session.Service
	engine   atomic.Pointer[fusion.Engine]
	bridge   recommendation.Bridge
	lease    time.Duration
}

// NewService wires fusion. bridge may be nil, in which case the knowledge
// base answers recommendation requests.
func NewService(sessions *session.Service, engine *fusion.Engine, bridge recommendation.Bridge, lease time.Duration) *Service {
	if bridge == nil {
		bridge = recommendation.NewKnowledgeBase()
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	s := &Service{sessions: sessions, bridge: bridge, lease: lease}
	s.engine.Store(engine)
	return s
}

// SetEngine swaps the rule set used by later fusion runs. Runs already in
// flight finish with the engine they started with.
func (s *Service) SetEngine(engine *fusion.Engine) {
	if engine != nil {
		s.engine.Store(engine)
	}
}

var errAlreadyFused = errors.New("already fused")

// Fuse claims the session, fuses its evidence snapshot and stores the
// result. Only one run per session can hold the claim; a claim older than
// the lease is considered abandoned and may be taken over.
func (s *Service) Fuse(ctx context.Context, sessionID string) (diagnosis.IntegratedDiagnosis, error) {
	runID := uuid.NewString()

	var done *diagnosis.IntegratedDiagnosis
	claimed, err := s.sessions.Mutate(ctx, sessionID, func(sess *diagnosis.Session) error {
		now := s.sessions.Now()
		switch sess.Status {
		case diagnosis.StatusCollecting:
			sess.Status = diagnosis.StatusReadyForFusion
		case diagnosis.StatusReadyForFusion:
			if sess.Claim != nil && now.Sub(sess.Claim.ClaimedAt) < s.lease {
				return diagnosis.ErrFusionInProgress
			}
		case diagnosis.StatusCompleted:
			if sess.Diagnosis != nil {
				done = sess.Diagnosis
				return errAlreadyFused
			}
			fallthrough
		default:
			return diagnosis.Errorf(diagnosis.KindInvalidArgument,
				"session %s is %s and cannot be fused", sess.ID, sess.Status)
		}
		sess.Claim = &diagnosis.FusionClaim{RunID: runID, ClaimedAt: now}
		return nil
	})
	if errors.Is(err, errAlreadyFused) {
		return done.Clone(), nil
	}
	if err != nil {
		return diagnosis.IntegratedDiagnosis{}, err
	}

	result, ferr := s.engine.Load().Fuse(sessionID, claimed.EvidenceSnapshot(), s.sessions.Now())
	if ferr != nil {
		return diagnosis.IntegratedDiagnosis{}, s.abort(ctx, sessionID, runID, ferr)
	}

	_, err = s.sessions.Mutate(ctx, sessionID, func(sess *diagnosis.Session) error {
		if !holds(sess, runID) {
			return diagnosis.ErrFusionInProgress
		}
		sess.Status = diagnosis.StatusCompleted
		sess.Diagnosis = &result
		sess.Claim = nil
		return nil
	})
	if errors.Is(err, diagnosis.ErrFusionInProgress) {
		return diagnosis.IntegratedDiagnosis{}, err
	}
	if err != nil {
		log.Printf("[fusion] storing result for %s failed: %v", sessionID, err)
		return diagnosis.IntegratedDiagnosis{}, s.abort(ctx, sessionID, runID, err)
	}

	log.Printf("[fusion] session %s completed: primary=%s confidence=%.3f partial=%t conflicts=%d",
		sessionID, result.PrimaryPattern, result.Confidence, result.Partial, len(result.Conflicts))
	return result, nil
}

// abort settles a failed run. Data problems end the session as failed; any
// other error releases the claim so a later run can retry.
func (s *Service) abort(ctx context.Context, sessionID, runID string, ferr error) error {
	kind := diagnosis.KindOf(ferr)
	terminal := kind == diagnosis.KindInsufficientData || kind == diagnosis.KindAnalysisError

	_, err := s.sessions.Mutate(ctx, sessionID, func(sess *diagnosis.Session) error {
		if !holds(sess, runID) {
			return session.ErrNoChange
		}
		sess.Claim = nil
		if terminal {
			sess.Status = diagnosis.StatusFailed
			sess.Failure = diagnosis.FailureOf(ferr)
		}
		return nil
	})
	if err != nil {
		log.Printf("[alert] could not settle fusion run %s for %s: %v", runID, sessionID, err)
	}

	if terminal {
		log.Printf("[fusion] session %s failed: %v", sessionID, ferr)
		return ferr
	}
	log.Printf("[alert] fusion for %s hit an internal error: %v", sessionID, ferr)
	return diagnosis.Wrap(diagnosis.KindInternal, ferr, "fusion failed")
}

func holds(sess *diagnosis.Session, runID string) bool {
	return sess.Status == diagnosis.StatusReadyForFusion && sess.Claim != nil && sess.Claim.RunID == runID
}

// GetDiagnosis reports the diagnosis or, while it is pending, which
// modalities have arrived.
func (s *Service) GetDiagnosis(ctx context.Context, sessionID string) (View, error) {
	sess, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		return View{}, err
	}

	view := View{SessionID: sess.ID, Status: sess.Status, Availability: sess.Availability()}
	switch sess.Status {
	case diagnosis.StatusCompleted:
		if sess.Diagnosis == nil {
			return View{}, diagnosis.Errorf(diagnosis.KindInternal, "session %s completed without a diagnosis", sess.ID)
		}
		d := sess.Diagnosis.Clone()
		view.Ready = true
		view.Diagnosis = &d
		return view, nil
	case diagnosis.StatusCreated, diagnosis.StatusCollecting, diagnosis.StatusReadyForFusion:
		return view, nil
	case diagnosis.StatusExpired:
		return View{}, diagnosis.Errorf(diagnosis.KindInsufficientData,
			"session %s expired before any modality delivered usable evidence", sess.ID).
			WithSuggestion("请重新采集四诊数据（reset the session and collect again）")
	case diagnosis.StatusFailed:
		if sess.Failure != nil {
			return View{}, sess.Failure.Err()
		}
		return View{}, diagnosis.Errorf(diagnosis.KindInternal, "session %s failed", sess.ID)
	default:
		return View{}, diagnosis.Errorf(diagnosis.KindInternal, "session %s has unknown status %s", sess.ID, sess.Status)
	}
}

// Recommend returns treatment advice for a completed session.
func (s *Service) Recommend(ctx context.Context, sessionID string) (recommendation.Response, error) {
	view, err := s.GetDiagnosis(ctx, sessionID)
	if err != nil {
		return recommendation.Response{}, err
	}
	if !view.Ready {
		return recommendation.Response{}, diagnosis.Errorf(diagnosis.KindInvalidArgument,
			"session %s has no diagnosis yet (status %s)", sessionID, view.Status)
	}
	return s.bridge.Recommend(ctx, recommendation.RequestFor(*view.Diagnosis))
}
