// Package recommendation turns a finished diagnosis into treatment advice.
package recommendation

import (
	"context"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

// Request carries what the advice is based on.
type Request struct {
	SessionID         string   `json:"sessionId"`
	PrimaryPattern    string   `json:"primaryPattern"`
	SecondaryPatterns []string `json:"secondaryPatterns"`
	Confidence        float64  `json:"confidence"`
}

// Response 治疗建议。
type Response struct {
	SessionID           string   `json:"sessionId"`
	TreatmentPrinciples []string `json:"treatmentPrinciples"`
	HerbalFormula       string   `json:"herbalFormula,omitempty"`
	Acupoints           []string `json:"acupoints"`
	Lifestyle           []string `json:"lifestyle"`
	Diet                []string `json:"diet"`
	Source              string   `json:"source"`
	Disclaimer          string   `json:"disclaimer"`
}

// Bridge produces recommendations for a diagnosis.
type Bridge interface {
	Recommend(ctx context.Context, req Request) (Response, error)
}

// RequestFor builds a Request from a diagnosis. Demoted patterns are left
// out: they lost a conflict and should not drive treatment.
func RequestFor(d diagnosis.IntegratedDiagnosis) Request {
	req := Request{
		SessionID:      d.SessionID,
		PrimaryPattern: d.PrimaryPattern,
		Confidence:     d.Confidence,
	}
	for _, s := range d.SecondaryPatterns {
		if !s.Demoted {
			req.SecondaryPatterns = append(req.SecondaryPatterns, s.Name)
		}
	}
	return req
}

const disclaimer = "以上建议仅供参考，请在专业中医师指导下调理。"
