package fusion

import (
	"time"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

const suggestMoreData = "请补充更多诊断数据（provide more diagnostic data）"

// Weigh assigns a normalized weight to every available modality.
//
// Each base weight is multiplied by the modality's raw confidence and by the
// stale penalty when its evidence lags the newest record by more than
// StaleAfter; the products are renormalized over available modalities. The
// base mass of unavailable modalities is reported in Redistributed so the
// run can be audited.
func (e *Engine) Weigh(evidence []diagnosis.Evidence) (diagnosis.WeightDistribution, error) {
	available := latestAvailable(evidence)
	if len(available) == 0 {
		return diagnosis.WeightDistribution{}, diagnosis.Errorf(diagnosis.KindInsufficientData,
			"no modality delivered usable evidence").WithSuggestion(suggestMoreData)
	}

	var newest time.Time
	for _, ev := range available {
		if ev.ReceivedAt.After(newest) {
			newest = ev.ReceivedAt
		}
	}

	dist := diagnosis.WeightDistribution{
		Weights:     make(map[diagnosis.Modality]float64, len(available)),
		BaseWeights: make(map[diagnosis.Modality]float64, 4),
		Adjusted:    make(map[diagnosis.Modality]float64, len(available)),
	}
	for _, m := range diagnosis.AllModalities() {
		dist.BaseWeights[m] = e.cfg.BaseWeights[m]
	}

	sum := 0.0
	for _, ev := range available {
		adj := e.cfg.BaseWeights[ev.Modality] * clamp01(ev.RawConfidence)
		if e.stale(ev, newest) {
			adj *= e.cfg.StalePenalty
		}
		dist.Adjusted[ev.Modality] = adj
		sum += adj
	}

	// Every product collapsed to zero: fall back to the base weights, then
	// to an even split.
	if sum <= 0 {
		for _, ev := range available {
			dist.Adjusted[ev.Modality] = e.cfg.BaseWeights[ev.Modality]
			sum += e.cfg.BaseWeights[ev.Modality]
		}
	}
	if sum <= 0 {
		for _, ev := range available {
			dist.Adjusted[ev.Modality] = 1
		}
		sum = float64(len(available))
	}

	for _, ev := range available {
		dist.Weights[ev.Modality] = dist.Adjusted[ev.Modality] / sum
	}

	totalBase, excludedBase := 0.0, 0.0
	for _, m := range diagnosis.AllModalities() {
		totalBase += e.cfg.BaseWeights[m]
		if _, ok := dist.Weights[m]; !ok {
			dist.Excluded = append(dist.Excluded, m)
			excludedBase += e.cfg.BaseWeights[m]
		}
	}
	if len(dist.Excluded) > 0 && totalBase > 0 {
		share := excludedBase / totalBase
		dist.Redistributed = make(map[diagnosis.Modality]float64, len(dist.Weights))
		for m, w := range dist.Weights {
			dist.Redistributed[m] = w * share
		}
	}

	return dist, nil
}

func (e *Engine) stale(ev diagnosis.Evidence, newest time.Time) bool {
	if e.cfg.StaleAfter <= 0 || ev.ReceivedAt.IsZero() {
		return false
	}
	return newest.Sub(ev.ReceivedAt) > e.cfg.StaleAfter
}
