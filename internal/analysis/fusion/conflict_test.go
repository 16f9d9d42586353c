package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

func TestConflictWeightedVoteDemotesLoser(t *testing.T) {
	engine := newEngine(t)

	result, err := engine.Fuse("s1", []diagnosis.Evidence{
		ev(diagnosis.Inquiry, 0.9, p("肾阴虚", 0.9)),
		ev(diagnosis.Looking, 0.8, p("肾阳虚", 0.5)),
	}, t0)
	require.NoError(t, err)

	assert.Equal(t, "肾阴虚", result.PrimaryPattern)
	require.Len(t, result.Conflicts, 1)
	rec := result.Conflicts[0]
	assert.Equal(t, diagnosis.ResolutionWeightedVote, rec.Resolution)
	assert.Equal(t, "肾阴虚", rec.ResolvedPattern)
	assert.Equal(t, "肾阳虚", rec.DemotedPattern)
	assert.True(t, result.HasConflicts())

	var demoted *diagnosis.SecondaryPattern
	for i := range result.SecondaryPatterns {
		if result.SecondaryPatterns[i].Name == "肾阳虚" {
			demoted = &result.SecondaryPatterns[i]
		}
	}
	require.NotNil(t, demoted, "conflict loser must stay visible")
	assert.True(t, demoted.Demoted)
	assert.Equal(t, "肾阴虚", demoted.ConflictsWith)
}

func TestConflictTieGoesToHigherBaseWeight(t *testing.T) {
	engine := newEngine(t)

	// looking 0.3 vs inquiry 0.4 with equal raw confidence: weights 3/7 and
	// 4/7, so 0.8 and 0.6 give identical weighted scores.
	looking := ev(diagnosis.Looking, 1, p("脾胃湿热", 0.8))
	inquiry := ev(diagnosis.Inquiry, 1, p("脾胃虚寒", 0.6))

	dist, err := engine.Weigh([]diagnosis.Evidence{looking, inquiry})
	require.NoError(t, err)
	res := engine.ResolveConflicts([]diagnosis.Evidence{looking, inquiry}, dist.Weights)

	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.InDelta(t, rec.ScoreA, rec.ScoreB, 0.01)
	assert.Equal(t, diagnosis.ResolutionBaseWeightTiebreak, rec.Resolution)
	assert.Equal(t, "脾胃虚寒", rec.ResolvedPattern)
	assert.Equal(t, "脾胃湿热", rec.DemotedPattern)
	assert.Equal(t, "脾胃虚寒", res.Demoted["脾胃湿热"])
}

func TestConflictTieWithEqualBaseWeightUsesName(t *testing.T) {
	engine := newEngine(t)

	looking := ev(diagnosis.Looking, 1, p("实热证", 0.7))
	palpation := ev(diagnosis.Palpation, 1, p("虚寒证", 0.7))
	dist, err := engine.Weigh([]diagnosis.Evidence{looking, palpation})
	require.NoError(t, err)

	res := engine.ResolveConflicts([]diagnosis.Evidence{looking, palpation}, dist.Weights)
	require.Len(t, res.Records, 1)
	assert.Equal(t, diagnosis.ResolutionNameTiebreak, res.Records[0].Resolution)
	assert.Equal(t, res.Records[0].PatternA, res.Records[0].ResolvedPattern)
}

func TestConflictResolutionIsDeterministic(t *testing.T) {
	engine := newEngine(t)
	snapshot := []diagnosis.Evidence{
		ev(diagnosis.Looking, 0.7, p("实热证", 0.6), p("肾阳虚", 0.4)),
		ev(diagnosis.Inquiry, 0.8, p("虚寒证", 0.7), p("肾阴虚", 0.5)),
		ev(diagnosis.Palpation, 0.6, p("实热证", 0.5)),
	}
	dist, err := engine.Weigh(snapshot)
	require.NoError(t, err)

	first := engine.ResolveConflicts(snapshot, dist.Weights)
	require.Len(t, first.Records, 2)
	for i := 0; i < 20; i++ {
		again := engine.ResolveConflicts(snapshot, dist.Weights)
		assert.Equal(t, first, again)
	}
}

func TestConflictOnlyConsidersTopK(t *testing.T) {
	engine := newEngine(t)

	looking := ev(diagnosis.Looking, 1,
		p("气虚证", 0.9), p("血虚证", 0.8), p("痰湿证", 0.7), p("肾阳虚", 0.6))
	inquiry := ev(diagnosis.Inquiry, 1, p("肾阴虚", 0.9))
	dist, err := engine.Weigh([]diagnosis.Evidence{looking, inquiry})
	require.NoError(t, err)

	res := engine.ResolveConflicts([]diagnosis.Evidence{looking, inquiry}, dist.Weights)
	assert.Empty(t, res.Records)
}

func TestComplementaryPatternsDoNotConflict(t *testing.T) {
	engine := newEngine(t)

	result, err := engine.Fuse("s1", []diagnosis.Evidence{
		ev(diagnosis.Looking, 0.8, p("气虚证", 0.8)),
		ev(diagnosis.Inquiry, 0.8, p("血虚证", 0.8)),
	}, t0)
	require.NoError(t, err)
	assert.Empty(t, result.Conflicts)
	for _, s := range result.SecondaryPatterns {
		assert.False(t, s.Demoted)
	}
}

func TestExclusiveTableIsNormalized(t *testing.T) {
	engine := newEngine(t, func(c *Config) {
		c.Exclusive = []ExclusivePair{{A: "乙", B: "甲"}, {A: "甲", B: "乙"}}
	})
	assert.Len(t, engine.Config().Exclusive, 1)
}
