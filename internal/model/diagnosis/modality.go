package diagnosis

import "strings"

// Modality 表示四诊中的一种独立诊断通道。
type Modality string

const (
	Looking   Modality = "looking"
	Smelling  Modality = "smelling"
	Inquiry   Modality = "inquiry"
	Palpation Modality = "palpation"
)

// AllModalities returns the four modalities in canonical order.
func AllModalities() []Modality {
	return []Modality{Looking, Smelling, Inquiry, Palpation}
}

var modalityAliases = map[string]Modality{
	"looking":   Looking,
	"look":      Looking,
	"face":      Looking,
	"tongue":    Looking,
	"smelling":  Smelling,
	"smell":     Smelling,
	"listen":    Smelling,
	"listening": Smelling,
	"breath":    Smelling,
	"voice":     Smelling,
	"inquiry":   Inquiry,
	"inquire":   Inquiry,
	"ask":       Inquiry,
	"palpation": Palpation,
	"palpate":   Palpation,
	"pulse":     Palpation,
	"touch":     Palpation,
}

// ParseModality 解析模态名称，兼容上游服务使用的别名（look/listen/pulse 等）。
func ParseModality(raw string) (Modality, bool) {
	m, ok := modalityAliases[strings.ToLower(strings.TrimSpace(raw))]
	return m, ok
}

// Valid reports whether m is one of the four canonical modalities.
func (m Modality) Valid() bool {
	switch m {
	case Looking, Smelling, Inquiry, Palpation:
		return true
	default:
		return false
	}
}

// DisplayName 返回中文名称，用于推理说明。
func (m Modality) DisplayName() string {
	switch m {
	case Looking:
		return "望诊"
	case Smelling:
		return "闻诊"
	case Inquiry:
		return "问诊"
	case Palpation:
		return "切诊"
	default:
		return string(m)
	}
}
