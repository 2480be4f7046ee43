package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famfinance/pipeline/internal/models"
)

func TestUpsertExtractionResetKeepsPayloads(t *testing.T) {
	ctx := context.Background()
	m := New()

	ex, err := m.UpsertExtraction(ctx, "ws1", "doc1", "pipeline-v1")
	require.NoError(t, err)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.MarkExtractionProcessing(ctx, ex.ID, now))
	require.NoError(t, m.MarkExtractionSucceeded(ctx, ex.ID, "2024-03-01 ACME Coffee 4.50", now))
	require.NoError(t, m.SetExtractionNormalized(ctx, ex.ID, json.RawMessage(`{"ok":true,"version":1}`)))

	again, err := m.UpsertExtraction(ctx, "ws1", "doc1", "pipeline-v1")
	require.NoError(t, err)
	assert.Equal(t, ex.ID, again.ID)
	assert.Equal(t, models.ExtractionPending, again.Status)
	assert.Nil(t, again.ErrorCode)
	assert.Nil(t, again.ErrorMessage)
	assert.Nil(t, again.StartedAt)
	assert.Nil(t, again.FinishedAt)

	// The previous run's payloads survive the reset; the rerun overwrites
	// them when it finishes.
	require.NotNil(t, again.ExtractedText)
	assert.Equal(t, "2024-03-01 ACME Coffee 4.50", *again.ExtractedText)
	assert.JSONEq(t, `{"ok":true,"version":1}`, string(again.NormalizedJSON))
}

func TestUpsertExtractionResetClearsFailure(t *testing.T) {
	ctx := context.Background()
	m := New()

	ex, err := m.UpsertExtraction(ctx, "ws1", "doc1", "pipeline-v1")
	require.NoError(t, err)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.MarkExtractionFailed(ctx, ex.ID, "UNSUPPORTED_MIME", "mime type image/png", now))

	again, err := m.UpsertExtraction(ctx, "ws1", "doc1", "pipeline-v1")
	require.NoError(t, err)
	assert.Equal(t, ex.ID, again.ID)
	assert.Equal(t, models.ExtractionPending, again.Status)
	assert.Nil(t, again.ErrorCode)
	assert.Nil(t, again.ErrorMessage)
	assert.Nil(t, again.FinishedAt)
}
