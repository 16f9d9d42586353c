package fusion

import (
	"math"
	"sort"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

// Resolution is the outcome of conflict detection over one snapshot.
type Resolution struct {
	Records []diagnosis.ConflictRecord
	// Demoted maps each losing pattern to the pattern that beat it.
	Demoted map[string]string
}

type support struct {
	modalities []diagnosis.Modality
	score      float64
	maxBase    float64
}

// ResolveConflicts finds mutually exclusive patterns claimed in the top-k
// lists of the available evidence and settles each pair by confidence
// weighted voting. Losers are demoted, never dropped.
func (e *Engine) ResolveConflicts(available []diagnosis.Evidence, weights map[diagnosis.Modality]float64) Resolution {
	claims := make(map[string]map[diagnosis.Modality]float64)
	for _, ev := range available {
		top := claimsOf(ev)
		if len(top) > e.cfg.TopK {
			top = top[:e.cfg.TopK]
		}
		for _, p := range top {
			if claims[p.Name] == nil {
				claims[p.Name] = make(map[diagnosis.Modality]float64, 4)
			}
			claims[p.Name][ev.Modality] = p.Confidence
		}
	}

	type candidate struct {
		pair ExclusivePair
		a, b support
	}
	candidates := make([]candidate, 0)
	for _, pair := range e.cfg.Exclusive {
		ca, okA := claims[pair.A]
		cb, okB := claims[pair.B]
		if !okA || !okB {
			continue
		}
		candidates = append(candidates, candidate{
			pair: pair,
			a:    e.supportOf(ca, weights),
			b:    e.supportOf(cb, weights),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si := candidates[i].a.score + candidates[i].b.score
		sj := candidates[j].a.score + candidates[j].b.score
		if si != sj {
			return si > sj
		}
		if candidates[i].pair.A != candidates[j].pair.A {
			return candidates[i].pair.A < candidates[j].pair.A
		}
		return candidates[i].pair.B < candidates[j].pair.B
	})

	res := Resolution{Records: []diagnosis.ConflictRecord{}, Demoted: map[string]string{}}
	for _, c := range candidates {
		if _, gone := res.Demoted[c.pair.A]; gone {
			continue
		}
		if _, gone := res.Demoted[c.pair.B]; gone {
			continue
		}

		aWins, how := e.decide(c.pair, c.a, c.b)
		winner, loser := c.pair.A, c.pair.B
		if !aWins {
			winner, loser = loser, winner
		}
		res.Demoted[loser] = winner
		res.Records = append(res.Records, diagnosis.ConflictRecord{
			PatternA:        c.pair.A,
			PatternB:        c.pair.B,
			SupportA:        c.a.modalities,
			SupportB:        c.b.modalities,
			ScoreA:          c.a.score,
			ScoreB:          c.b.score,
			Resolution:      how,
			ResolvedPattern: winner,
			DemotedPattern:  loser,
		})
	}
	return res
}

func (e *Engine) supportOf(claim map[diagnosis.Modality]float64, weights map[diagnosis.Modality]float64) support {
	var s support
	for _, m := range diagnosis.AllModalities() {
		c, ok := claim[m]
		if !ok {
			continue
		}
		s.modalities = append(s.modalities, m)
		s.score += weights[m] * c
		if base := e.cfg.BaseWeights[m]; base > s.maxBase {
			s.maxBase = base
		}
	}
	return s
}

// decide reports whether side A wins and how the decision was made.
// Scores within TieEpsilon are a tie, broken by the strongest supporting
// modality's base weight and finally by pattern name.
func (e *Engine) decide(pair ExclusivePair, a, b support) (bool, diagnosis.Resolution) {
	if math.Abs(a.score-b.score) > e.cfg.TieEpsilon {
		return a.score > b.score, diagnosis.ResolutionWeightedVote
	}
	if math.Abs(a.maxBase-b.maxBase) > 1e-12 {
		return a.maxBase > b.maxBase, diagnosis.ResolutionBaseWeightTiebreak
	}
	return pair.A <= pair.B, diagnosis.ResolutionNameTiebreak
}
