package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidate(t *testing.T) {
	valid := Envelope{TenantID: 1, JobID: 2, Type: TypeExtraction}
	assert.NoError(t, valid.Validate())

	missing := []Envelope{
		{JobID: 2, Type: TypeExtraction},
		{TenantID: 1, Type: TypeExtraction},
		{TenantID: 1, JobID: 2},
	}
	for _, e := range missing {
		assert.Error(t, e.Validate())
	}
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "extraction_queue_premium", ExtractionQueue(TierPremium))
	assert.Equal(t, "transform_queue_tenant_42", TransformQueue(42))
	assert.Equal(t, "vectorization_queue_tenant_42", VectorizationQueue(42))
	assert.Equal(t, "transform_queue_tenant_42.dead", DeadLetterQueue(TransformQueue(42)))
}

func TestEncodeMessageRoundTrip(t *testing.T) {
	msg := ExtractionMessage{
		Envelope: Envelope{
			TenantID: 7,
			JobID:    3,
			Type:     TypeExtraction,
			Cursor:   "page-2",
		},
		Provider:  "jira",
		StepName:  "projects",
		Secondary: true,
	}
	body, err := EncodeMessage(msg)
	require.NoError(t, err)

	var decoded ExtractionMessage
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, msg, decoded)
}

func TestTierValid(t *testing.T) {
	for _, tier := range AllTiers {
		assert.True(t, tier.Valid())
	}
	assert.False(t, Tier("platinum").Valid())
}
