package modality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
)

func TestDecodeTCMPatternsMap(t *testing.T) {
	res, err := Decode(diagnosis.Smelling, []byte(`{"tcm_patterns":{"痰湿证":0.4,"气虚证":0.7,"阴虚证":0.4}}`))
	require.NoError(t, err)

	require.Len(t, res.Patterns, 3)
	assert.Equal(t, "气虚证", res.Patterns[0].Name)
	// equal confidences keep name order
	assert.Equal(t, "痰湿证", res.Patterns[1].Name)
	assert.Equal(t, "阴虚证", res.Patterns[2].Name)
	assert.Equal(t, 0.7, res.RawConfidence)
}

func TestDecodeConfidenceAlias(t *testing.T) {
	res, err := Decode(diagnosis.Looking, []byte(`{"status":"ok","patterns":[{"name":"血瘀证","confidence":0.5}],"confidence":0.8,"request_id":"r-9"}`))
	require.NoError(t, err)
	assert.Equal(t, 0.8, res.RawConfidence)
	assert.Equal(t, "r-9", res.RequestID)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(diagnosis.Looking, []byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(diagnosis.Looking, []byte(`{"status":"completed","patterns":[]}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(diagnosis.Looking, []byte(`{"status":"weird"}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(diagnosis.Looking, []byte(`{"status":"failed","message":"camera offline"}`))
	var re *RejectedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "rejected: camera offline", re.Error())
}

func TestPayloadValidate(t *testing.T) {
	raw := 1.2
	assert.Error(t, Payload{Patterns: []patternPayload{{Name: "a", Confidence: -0.1}}}.Validate())
	assert.Error(t, Payload{TCMPatterns: map[string]float64{"a": 2}}.Validate())
	assert.Error(t, Payload{RawConfidence: &raw}.Validate())
	assert.NoError(t, Payload{Patterns: []patternPayload{{Name: "a", Confidence: 1}}}.Validate())
}
