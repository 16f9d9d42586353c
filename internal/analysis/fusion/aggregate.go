package fusion

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

type ranked struct {
	name       string
	score      float64
	mass       float64
	supporters []diagnosis.Modality
}

func (e *Engine) aggregate(sessionID string, available []diagnosis.Evidence, dist diagnosis.WeightDistribution, res Resolution, at time.Time) (diagnosis.IntegratedDiagnosis, error) {
	byName := make(map[string]*ranked)
	for _, ev := range available {
		w := dist.Weights[ev.Modality]
		for _, p := range claimsOf(ev) {
			r, ok := byName[p.Name]
			if !ok {
				r = &ranked{name: p.Name}
				byName[p.Name] = r
			}
			r.score += w * p.Confidence
			r.mass += w
			r.supporters = append(r.supporters, ev.Modality)
		}
	}

	ranking := make([]ranked, 0, len(byName))
	for _, r := range byName {
		ranking = append(ranking, *r)
	}
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].score != ranking[j].score {
			return ranking[i].score > ranking[j].score
		}
		if len(ranking[i].supporters) != len(ranking[j].supporters) {
			return len(ranking[i].supporters) > len(ranking[j].supporters)
		}
		return ranking[i].name < ranking[j].name
	})

	reasoning := e.describeInputs(available, dist)
	reasoning = append(reasoning, describeConflicts(res.Records)...)
	reasoning = append(reasoning, describeRanking(ranking, res.Demoted))

	primaryIdx := -1
	for i, r := range ranking {
		if _, demoted := res.Demoted[r.name]; !demoted {
			primaryIdx = i
			break
		}
	}
	if primaryIdx < 0 || ranking[primaryIdx].score < e.cfg.MinConfidence {
		best := 0.0
		if primaryIdx >= 0 {
			best = ranking[primaryIdx].score
		}
		return diagnosis.IntegratedDiagnosis{}, diagnosis.Errorf(diagnosis.KindAnalysisError,
			"inconclusive: best pattern score %.3f is below the minimum confidence %.2f", best, e.cfg.MinConfidence).
			WithSuggestion(suggestMoreData)
	}
	primary := ranking[primaryIdx]

	secondary := make([]diagnosis.SecondaryPattern, 0, e.cfg.SecondaryCount)
	for i, r := range ranking {
		if len(secondary) >= e.cfg.SecondaryCount {
			break
		}
		if i == primaryIdx || r.score <= 0 {
			continue
		}
		if _, demoted := res.Demoted[r.name]; demoted {
			continue
		}
		secondary = append(secondary, diagnosis.SecondaryPattern{Name: r.name, Score: r.score})
	}
	for _, r := range ranking {
		if winner, demoted := res.Demoted[r.name]; demoted {
			secondary = append(secondary, diagnosis.SecondaryPattern{
				Name:          r.name,
				Score:         r.score,
				Demoted:       true,
				ConflictsWith: winner,
			})
		}
	}

	// Confidence is the supporters' weighted mean, so it says how strongly
	// the agreeing modalities hold the verdict. Score is the sum and is the
	// value that grows with every agreeing modality; ranking and the floor
	// use it. An extra supporter with a weak claim raises Score but can lower
	// Confidence.
	confidence := 0.0
	if primary.mass > 0 {
		confidence = clamp01(primary.score / primary.mass)
	}

	modalities := make([]diagnosis.Modality, 0, len(available))
	for _, ev := range available {
		modalities = append(modalities, ev.Modality)
	}
	partial := len(modalities) < len(diagnosis.AllModalities())

	verdict := fmt.Sprintf("结论: 主证 %s, 综合得分 %.3f, 置信度 %.3f", primary.name, primary.score, confidence)
	if partial {
		verdict += " (部分诊法数据)"
	}
	reasoning = append(reasoning, verdict)

	return diagnosis.IntegratedDiagnosis{
		SessionID:           sessionID,
		PrimaryPattern:      primary.name,
		SecondaryPatterns:   secondary,
		Confidence:          confidence,
		Score:               clamp01(primary.score),
		Partial:             partial,
		AvailableModalities: modalities,
		WeightDistribution:  dist,
		Conflicts:           res.Records,
		Reasoning:           reasoning,
		ComputedAt:          at,
	}, nil
}

func (e *Engine) describeInputs(available []diagnosis.Evidence, dist diagnosis.WeightDistribution) []string {
	names := make([]string, 0, len(available))
	weights := make([]string, 0, len(available))
	for _, ev := range available {
		names = append(names, ev.Modality.DisplayName())
		weights = append(weights, fmt.Sprintf("%s=%.3f", ev.Modality.DisplayName(), dist.Weights[ev.Modality]))
	}

	lines := []string{fmt.Sprintf("可用诊法: %s", strings.Join(names, ", "))}
	if len(dist.Excluded) > 0 {
		missing := make([]string, 0, len(dist.Excluded))
		for _, m := range dist.Excluded {
			missing = append(missing, m.DisplayName())
		}
		lines = append(lines, fmt.Sprintf("缺失诊法: %s, 其基础权重按比例分配给其余诊法", strings.Join(missing, ", ")))
	}
	lines = append(lines, fmt.Sprintf("权重: %s", strings.Join(weights, " ")))
	return lines
}

func describeConflicts(records []diagnosis.ConflictRecord) []string {
	lines := make([]string, 0, len(records))
	for _, r := range records {
		var how string
		switch r.Resolution {
		case diagnosis.ResolutionBaseWeightTiebreak:
			how = "得分相近, 依据基础权重更高的诊法"
		case diagnosis.ResolutionNameTiebreak:
			how = "得分与基础权重均相同, 按名称"
		default:
			how = "加权投票"
		}
		lines = append(lines, fmt.Sprintf("冲突: %s(%s) 与 %s(%s) 互斥, 得分 %.3f vs %.3f, %s保留 %s, %s 降为次要证型",
			r.PatternA, joinModalities(r.SupportA), r.PatternB, joinModalities(r.SupportB),
			r.ScoreA, r.ScoreB, how, r.ResolvedPattern, r.DemotedPattern))
	}
	return lines
}

func describeRanking(ranking []ranked, demoted map[string]string) string {
	parts := make([]string, 0, len(ranking))
	for _, r := range ranking {
		item := fmt.Sprintf("%s=%.3f(%s)", r.name, r.score, joinModalities(r.supporters))
		if _, ok := demoted[r.name]; ok {
			item += "[降级]"
		}
		parts = append(parts, item)
	}
	return "证型排序: " + strings.Join(parts, ", ")
}

func joinModalities(ms []diagnosis.Modality) string {
	names := make([]string, 0, len(ms))
	for _, m := range ms {
		names = append(names, m.DisplayName())
	}
	return strings.Join(names, "+")
}

func sortByConfidence(patterns []diagnosis.PatternScore) {
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Confidence > patterns[j].Confidence
	})
}
