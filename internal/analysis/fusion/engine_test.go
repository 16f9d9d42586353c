package fusion

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func ev(m diagnosis.Modality, raw float64, patterns ...diagnosis.PatternScore) diagnosis.Evidence {
	return diagnosis.Evidence{Modality: m, RawConfidence: raw, Patterns: patterns, Available: true, ReceivedAt: t0}
}

func p(name string, c float64) diagnosis.PatternScore {
	return diagnosis.PatternScore{Name: name, Confidence: c}
}

func newEngine(t *testing.T, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	return engine
}

func scenarioA() []diagnosis.Evidence {
	return []diagnosis.Evidence{
		ev(diagnosis.Looking, 0.85, p("肝郁化火", 0.85), p("心肝血虚", 0.55)),
		ev(diagnosis.Inquiry, 0.92, p("肝郁气滞", 0.92), p("心肝血虚", 0.60)),
		ev(diagnosis.Palpation, 0.78, p("肝郁气滞", 0.78), p("肝阳上亢", 0.50)),
		diagnosis.Unavailable(diagnosis.Smelling, "timeout", diagnosis.SourcePull, t0),
	}
}

func TestFuseScenarioThreeModalities(t *testing.T) {
	engine := newEngine(t)

	result, err := engine.Fuse("s1", scenarioA(), t0)
	require.NoError(t, err)

	assert.Equal(t, "肝郁气滞", result.PrimaryPattern)
	assert.InDelta(t, 0.88, result.Confidence, 0.02)
	assert.InDelta(t, 1.0, result.WeightDistribution.Sum(), 1e-6)
	assert.True(t, result.Partial)
	assert.Equal(t, []diagnosis.Modality{diagnosis.Smelling}, result.WeightDistribution.Excluded)
	assert.NotContains(t, result.WeightDistribution.Weights, diagnosis.Smelling)

	// inquiry carries the largest adjusted weight
	w := result.WeightDistribution.Weights
	assert.Greater(t, w[diagnosis.Inquiry], w[diagnosis.Looking])
	assert.Greater(t, w[diagnosis.Looking], w[diagnosis.Palpation])

	// smelling's base mass (0.1 of 1.1) is spread over the others
	redistributed := 0.0
	for _, v := range result.WeightDistribution.Redistributed {
		redistributed += v
	}
	assert.InDelta(t, 0.1/1.1, redistributed, 1e-9)

	require.Len(t, result.SecondaryPatterns, 2)
	assert.Equal(t, "心肝血虚", result.SecondaryPatterns[0].Name)
	assert.Equal(t, "肝郁化火", result.SecondaryPatterns[1].Name)
	assert.Empty(t, result.Conflicts)
	assert.NotEmpty(t, result.Reasoning)
	assert.Equal(t, t0, result.ComputedAt)
}

func TestFuseSingleModalityIsPartial(t *testing.T) {
	engine := newEngine(t)

	result, err := engine.Fuse("s1", []diagnosis.Evidence{
		ev(diagnosis.Palpation, 0.6, p("气滞证", 0.7)),
	}, t0)
	require.NoError(t, err)

	assert.Equal(t, "气滞证", result.PrimaryPattern)
	assert.InDelta(t, 1.0, result.WeightDistribution.Weights[diagnosis.Palpation], 1e-12)
	assert.True(t, result.Partial)
	assert.InDelta(t, 0.7, result.Confidence, 1e-9)
	assert.Len(t, result.WeightDistribution.Excluded, 3)
}

func TestFuseAllModalitiesIsNotPartial(t *testing.T) {
	engine := newEngine(t)

	result, err := engine.Fuse("s1", []diagnosis.Evidence{
		ev(diagnosis.Looking, 0.8, p("气虚证", 0.8)),
		ev(diagnosis.Smelling, 0.7, p("气虚证", 0.6)),
		ev(diagnosis.Inquiry, 0.9, p("气虚证", 0.9)),
		ev(diagnosis.Palpation, 0.8, p("血虚证", 0.7)),
	}, t0)
	require.NoError(t, err)

	assert.False(t, result.Partial)
	assert.Equal(t, "气虚证", result.PrimaryPattern)
	assert.Nil(t, result.WeightDistribution.Redistributed)
}

func TestFuseZeroAvailableIsInsufficientData(t *testing.T) {
	engine := newEngine(t)

	_, err := engine.Fuse("s1", []diagnosis.Evidence{
		diagnosis.Unavailable(diagnosis.Looking, "rejected: blurry image", diagnosis.SourcePull, t0),
	}, t0)
	require.Error(t, err)
	assert.ErrorIs(t, err, diagnosis.ErrInsufficientData)
	assert.NotEmpty(t, diagnosis.SuggestionOf(err))
}

func TestFuseBelowFloorIsAnalysisError(t *testing.T) {
	engine := newEngine(t)

	_, err := engine.Fuse("s1", []diagnosis.Evidence{
		ev(diagnosis.Inquiry, 0.9, p("气虚证", 0.2)),
	}, t0)
	require.Error(t, err)
	assert.ErrorIs(t, err, diagnosis.ErrAnalysis)
	assert.NotEmpty(t, diagnosis.SuggestionOf(err))
}

func TestFuseIsIdempotent(t *testing.T) {
	engine := newEngine(t)
	snapshot := scenarioA()

	first, err := engine.Fuse("s1", snapshot, t0)
	require.NoError(t, err)
	second, err := engine.Fuse("s1", snapshot, t0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestWeighFallsBackToBaseWeightsWhenConfidenceIsZero(t *testing.T) {
	engine := newEngine(t)

	dist, err := engine.Weigh([]diagnosis.Evidence{
		ev(diagnosis.Looking, 0, p("a", 0.5)),
		ev(diagnosis.Inquiry, 0, p("a", 0.5)),
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.3/0.7, dist.Weights[diagnosis.Looking], 1e-9)
	assert.InDelta(t, 0.4/0.7, dist.Weights[diagnosis.Inquiry], 1e-9)
}

func TestWeighPenalizesStaleEvidence(t *testing.T) {
	engine := newEngine(t, func(c *Config) {
		c.StaleAfter = 5 * time.Minute
		c.StalePenalty = 0.5
	})

	old := ev(diagnosis.Looking, 1, p("a", 0.5))
	old.ReceivedAt = t0.Add(-10 * time.Minute)
	fresh := ev(diagnosis.Palpation, 1, p("a", 0.5))

	dist, err := engine.Weigh([]diagnosis.Evidence{old, fresh})
	require.NoError(t, err)
	assert.InDelta(t, 0.15, dist.Adjusted[diagnosis.Looking], 1e-12)
	assert.InDelta(t, 0.3, dist.Adjusted[diagnosis.Palpation], 1e-12)
	assert.InDelta(t, 1.0/3.0, dist.Weights[diagnosis.Looking], 1e-9)
}

func TestWeightsAlwaysSumToOne(t *testing.T) {
	engine := newEngine(t)
	rng := rand.New(rand.NewSource(42))
	names := []string{"气虚证", "血虚证", "阴虚证", "阳虚证", "气滞证", "血瘀证", "痰湿证"}

	for i := 0; i < 500; i++ {
		var snapshot []diagnosis.Evidence
		for _, m := range diagnosis.AllModalities() {
			if rng.Intn(3) == 0 {
				continue
			}
			patterns := make([]diagnosis.PatternScore, 0, 3)
			for j := 0; j < 1+rng.Intn(3); j++ {
				patterns = append(patterns, p(names[rng.Intn(len(names))], rng.Float64()))
			}
			snapshot = append(snapshot, ev(m, rng.Float64(), patterns...))
		}
		if len(snapshot) == 0 {
			continue
		}

		dist, err := engine.Weigh(snapshot)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, dist.Sum(), 1e-6)

		result, err := engine.Fuse("s", snapshot, t0)
		if err != nil {
			assert.ErrorIs(t, err, diagnosis.ErrAnalysis)
			continue
		}
		assert.GreaterOrEqual(t, result.Confidence, 0.0)
		assert.LessOrEqual(t, result.Confidence, 1.0)
		assert.False(t, math.IsNaN(result.Confidence))
		for _, s := range result.SecondaryPatterns {
			if !s.Demoted {
				assert.LessOrEqual(t, s.Score, result.Score+1e-12)
			}
		}
	}
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	bad := []func(*Config){
		func(c *Config) { delete(c.BaseWeights, diagnosis.Inquiry) },
		func(c *Config) { c.BaseWeights[diagnosis.Looking] = -1 },
		func(c *Config) {
			for m := range c.BaseWeights {
				c.BaseWeights[m] = 0
			}
		},
		func(c *Config) { c.TopK = 0 },
		func(c *Config) { c.MinConfidence = 1.5 },
		func(c *Config) { c.Exclusive = append(c.Exclusive, ExclusivePair{A: "x", B: "x"}) },
		func(c *Config) { c.Exclusive = append(c.Exclusive, ExclusivePair{A: "x", B: ""}) },
	}
	for i, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		_, err := NewEngine(cfg)
		assert.Error(t, err, "case %d", i)
	}
}

func TestEngineConfigIsImmutable(t *testing.T) {
	cfg := DefaultConfig()
	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	cfg.BaseWeights[diagnosis.Inquiry] = 0.99
	got := engine.Config()
	assert.Equal(t, 0.4, got.BaseWeights[diagnosis.Inquiry])

	got.BaseWeights[diagnosis.Inquiry] = 0.5
	assert.Equal(t, 0.4, engine.Config().BaseWeights[diagnosis.Inquiry])
}

func TestAgreementRaisesScoreNotNecessarilyConfidence(t *testing.T) {
	engine := newEngine(t)

	alone, err := engine.Fuse("s1", []diagnosis.Evidence{
		ev(diagnosis.Inquiry, 0.9, p("气虚证", 0.9)),
		ev(diagnosis.Looking, 0.8, p("湿热证", 0.5)),
	}, t0)
	require.NoError(t, err)

	agreed, err := engine.Fuse("s1", []diagnosis.Evidence{
		ev(diagnosis.Inquiry, 0.9, p("气虚证", 0.9)),
		ev(diagnosis.Looking, 0.8, p("湿热证", 0.5), p("气虚证", 0.4)),
	}, t0)
	require.NoError(t, err)

	require.Equal(t, "气虚证", alone.PrimaryPattern)
	require.Equal(t, "气虚证", agreed.PrimaryPattern)

	// weights are inquiry 0.6, looking 0.4 in both runs
	assert.InDelta(t, 0.54, alone.Score, 1e-9)
	assert.InDelta(t, 0.70, agreed.Score, 1e-9)
	assert.Greater(t, agreed.Score, alone.Score)

	assert.InDelta(t, 0.90, alone.Confidence, 1e-9)
	assert.InDelta(t, 0.70, agreed.Confidence, 1e-9)
}
