package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/tcm-fusion/backend/internal/analysis/fusion"
	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

// rulesFile is the on-disk shape of FUSION_RULES_FILE. Absent fields keep
// their defaults.
type rulesFile struct {
	BaseWeights    map[string]float64     `yaml:"base_weights" toml:"base_weights"`
	Exclusive      []fusion.ExclusivePair `yaml:"exclusive" toml:"exclusive"`
	TopK           *int                   `yaml:"top_k" toml:"top_k"`
	TieEpsilon     *float64               `yaml:"tie_epsilon" toml:"tie_epsilon"`
	MinConfidence  *float64               `yaml:"min_confidence" toml:"min_confidence"`
	SecondaryCount *int                   `yaml:"secondary_count" toml:"secondary_count"`
	StaleAfter     string                 `yaml:"stale_after" toml:"stale_after"`
	StalePenalty   *float64               `yaml:"stale_penalty" toml:"stale_penalty"`
}

// LoadFusionRules reads a rule file on top of the default rule set. Files
// ending in .toml are TOML; anything else is YAML.
func LoadFusionRules(path string) (fusion.Config, error) {
	cfg := fusion.DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return fusion.Config{}, fmt.Errorf("read fusion rules: %w", err)
	}

	var file rulesFile
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &file)
	} else {
		err = yaml.Unmarshal(data, &file)
	}
	if err != nil {
		return fusion.Config{}, fmt.Errorf("parse fusion rules %s: %w", path, err)
	}

	for raw, w := range file.BaseWeights {
		m, ok := diagnosis.ParseModality(raw)
		if !ok {
			return fusion.Config{}, fmt.Errorf("fusion rules: unknown modality %q", raw)
		}
		cfg.BaseWeights[m] = w
	}
	if file.Exclusive != nil {
		cfg.Exclusive = file.Exclusive
	}
	if file.TopK != nil {
		cfg.TopK = *file.TopK
	}
	if file.TieEpsilon != nil {
		cfg.TieEpsilon = *file.TieEpsilon
	}
	if file.MinConfidence != nil {
		cfg.MinConfidence = *file.MinConfidence
	}
	if file.SecondaryCount != nil {
		cfg.SecondaryCount = *file.SecondaryCount
	}
	if s := strings.TrimSpace(file.StaleAfter); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fusion.Config{}, fmt.Errorf("fusion rules: invalid stale_after %q: %w", s, err)
		}
		cfg.StaleAfter = d
	}
	if file.StalePenalty != nil {
		cfg.StalePenalty = *file.StalePenalty
	}
	return cfg, nil
}

// FusionRulesPath returns FUSION_RULES_FILE, or "" when rules are not file-based.
func FusionRulesPath() string {
	return strings.TrimSpace(os.Getenv("FUSION_RULES_FILE"))
}

func loadFusionConfig() (fusion.Config, error) {
	return FusionConfigFrom(FusionRulesPath())
}

// FusionConfigFrom 默认规则 < 规则文件 < 环境变量。path 为空时不读取文件。
func FusionConfigFrom(path string) (fusion.Config, error) {
	cfg := fusion.DefaultConfig()
	if path != "" {
		loaded, err := LoadFusionRules(path)
		if err != nil {
			return fusion.Config{}, err
		}
		cfg = loaded
	}

	for _, m := range diagnosis.AllModalities() {
		key := "FUSION_WEIGHT_" + strings.ToUpper(string(m))
		w, err := parseOptionalFloatEnv(key)
		if err != nil {
			return fusion.Config{}, err
		}
		if w != nil {
			cfg.BaseWeights[m] = *w
		}
	}

	minConfidence, err := parseOptionalFloatEnv("FUSION_MIN_CONFIDENCE")
	if err != nil {
		return fusion.Config{}, err
	}
	if minConfidence != nil {
		cfg.MinConfidence = *minConfidence
	}

	secondary, err := parseOptionalIntEnv("FUSION_SECONDARY_COUNT")
	if err != nil {
		return fusion.Config{}, err
	}
	if secondary != nil {
		cfg.SecondaryCount = *secondary
	}

	if err := cfg.Validate(); err != nil {
		return fusion.Config{}, fmt.Errorf("invalid fusion rules: %w", err)
	}
	return cfg, nil
}
