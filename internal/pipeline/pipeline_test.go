package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famfinance/pipeline/internal/extract"
	"github.com/famfinance/pipeline/internal/models"
	storemem "github.com/famfinance/pipeline/internal/store/memory"
	"github.com/famfinance/pipeline/pkg/logger"
	"github.com/famfinance/pipeline/pkg/queue"
	blobmem "github.com/famfinance/pipeline/pkg/storage/memory"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type enqueuedTask struct {
	TaskType string
	TaskID   string
	Payload  []byte
}

// fakeQueue records enqueues in order; tests decode payloads to chain stages
// by hand.
type fakeQueue struct {
	mu    sync.Mutex
	tasks []enqueuedTask
}

func (q *fakeQueue) Enqueue(ctx context.Context, taskType, taskID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, enqueuedTask{TaskType: taskType, TaskID: taskID, Payload: data})
	return nil
}

func (q *fakeQueue) byType(taskType string) []enqueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []enqueuedTask
	for _, t := range q.tasks {
		if t.TaskType == taskType {
			out = append(out, t)
		}
	}
	return out
}

func newTestPipeline(t *testing.T) (*Pipeline, *storemem.Memory, *blobmem.Memory, *fakeQueue) {
	t.Helper()
	st := storemem.New()
	blobs := blobmem.New()
	q := &fakeQueue{}
	log := logger.NewTestLogger()
	p := New(st, blobs, q, extract.New(log), log).WithClock(func() time.Time { return testNow })
	return p, st, blobs, q
}

// seedDocument stores a blob, registers the document and creates its PENDING
// extraction, returning the payload doc_extract would receive.
func seedDocument(t *testing.T, st *storemem.Memory, blobs *blobmem.Memory, workspaceID, mimeType, body string) DocTaskPayload {
	t.Helper()
	ctx := context.Background()

	doc := &models.Document{
		WorkspaceID: workspaceID,
		Filename:    "statement.txt",
		MimeType:    mimeType,
		SizeBytes:   int64(len(body)),
		StorageKey:  "workspaces/" + workspaceID + "/uploads/statement.txt",
	}
	require.NoError(t, st.CreateDocument(ctx, doc))
	require.NoError(t, blobs.Put(ctx, doc.StorageKey, []byte(body), mimeType))

	ex, err := st.UpsertExtraction(ctx, workspaceID, doc.ID, Engine)
	require.NoError(t, err)

	return DocTaskPayload{
		WorkspaceID:  workspaceID,
		DocumentID:   doc.ID,
		ExtractionID: ex.ID,
		Engine:       Engine,
	}
}

const statementText = "2024-03-01 ACME Coffee 4.50 EUR\n2024-03-02 MegaMart 20.00 EUR"

func TestDocumentChain(t *testing.T) {
	p, st, blobs, q := newTestPipeline(t)
	ctx := context.Background()
	payload := seedDocument(t, st, blobs, "ws1", "text/plain", statementText)

	outcome, err := p.DocExtract(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, outcome)

	ex, err := st.GetExtraction(ctx, "ws1", payload.DocumentID, payload.ExtractionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExtractionSucceeded, ex.Status)
	require.NotNil(t, ex.ExtractedText)
	assert.Equal(t, statementText, *ex.ExtractedText)

	normJobs := q.byType(queue.TaskNormalize)
	require.Len(t, normJobs, 1)
	assert.Equal(t, NormalizeJobID(payload.DocumentID, Engine), normJobs[0].TaskID)

	outcome, err = p.Normalize(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNormalized, outcome)

	ex, err = st.GetExtraction(ctx, "ws1", payload.DocumentID, payload.ExtractionID)
	require.NoError(t, err)
	normalized, err := models.DecodeNormalized(ex.NormalizedJSON)
	require.NoError(t, err)
	require.True(t, normalized.OK)
	assert.Equal(t, models.NormalizedVersion, normalized.Version)
	assert.Equal(t, "EUR", normalized.Currency)
	assert.Len(t, normalized.Transactions, 2)

	outcome, err = p.TxUpsert(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpserted, outcome)

	txns, err := st.ListMonthTransactions(ctx, "ws1", 2024, 3, "EUR")
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(450), txns[0].AmountCents)
	assert.Equal(t, int64(2000), txns[1].AmountCents)
	assert.Equal(t, models.SourceUpload, txns[0].Source)
	require.NotNil(t, txns[0].MerchantName)
	assert.Equal(t, "ACME Coffee", *txns[0].MerchantName)

	rollupJobs := q.byType(queue.TaskRollupMonthly)
	require.Len(t, rollupJobs, 1)
	assert.Equal(t, RollupJobID("ws1", 2024, 3, "EUR"), rollupJobs[0].TaskID)

	var rollupPayload RollupPayload
	require.NoError(t, json.Unmarshal(rollupJobs[0].Payload, &rollupPayload))
	outcome, err = p.RollupMonthly(ctx, rollupPayload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRolledUp, outcome)

	rollup, err := st.GetMonthlyRollup(ctx, "ws1", 2024, 3, "EUR")
	require.NoError(t, err)
	assert.Equal(t, int64(2450), rollup.TotalCents)
	assert.Equal(t, models.CentsByName{"ACME Coffee": 450, "MegaMart": 2000}, rollup.ByMerchant)
	assert.Equal(t, models.CentsByName{"Uncategorized": 2450}, rollup.ByCategory)
}

func TestDocumentChainIdempotent(t *testing.T) {
	p, st, blobs, _ := newTestPipeline(t)
	ctx := context.Background()
	payload := seedDocument(t, st, blobs, "ws1", "text/plain", statementText)

	runChain := func() {
		// Re-running doc_extract on a SUCCEEDED extraction short-circuits;
		// downstream stages must still converge on the same rows.
		_, err := p.DocExtract(ctx, payload)
		require.NoError(t, err)
		_, err = p.Normalize(ctx, payload)
		require.NoError(t, err)
		_, err = p.TxUpsert(ctx, payload)
		require.NoError(t, err)
		_, err = p.RollupMonthly(ctx, RollupPayload{WorkspaceID: "ws1", Year: 2024, Month: 3, Currency: "EUR"})
		require.NoError(t, err)
	}

	runChain()
	runChain()

	txns, err := st.ListMonthTransactions(ctx, "ws1", 2024, 3, "EUR")
	require.NoError(t, err)
	assert.Len(t, txns, 2)

	rollup, err := st.GetMonthlyRollup(ctx, "ws1", 2024, 3, "EUR")
	require.NoError(t, err)
	assert.Equal(t, int64(2450), rollup.TotalCents)
}

func TestDocExtractAlreadySucceeded(t *testing.T) {
	p, st, blobs, q := newTestPipeline(t)
	ctx := context.Background()
	payload := seedDocument(t, st, blobs, "ws1", "text/plain", statementText)

	require.NoError(t, st.MarkExtractionSucceeded(ctx, payload.ExtractionID, "done", testNow))

	outcome, err := p.DocExtract(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySucceeded, outcome)
	assert.Empty(t, q.byType(queue.TaskNormalize))
}

func TestDocExtractUnsupportedMime(t *testing.T) {
	p, st, blobs, q := newTestPipeline(t)
	ctx := context.Background()
	payload := seedDocument(t, st, blobs, "ws1", "image/png", "\x89PNG")

	outcome, err := p.DocExtract(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnsupportedMime, outcome)

	ex, err := st.GetExtraction(ctx, "ws1", payload.DocumentID, payload.ExtractionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExtractionFailed, ex.Status)
	require.NotNil(t, ex.ErrorCode)
	assert.Equal(t, "UNSUPPORTED_MIME", *ex.ErrorCode)
	assert.Empty(t, q.byType(queue.TaskNormalize))
}

func TestDocExtractMissingBlobIsRetryable(t *testing.T) {
	ctx := context.Background()
	st := storemem.New()
	blobs := blobmem.New()
	payload := seedDocument(t, st, blobs, "ws1", "text/plain", statementText)

	// The pipeline sees an empty blob store: the upload has not landed yet.
	log := logger.NewTestLogger()
	p := New(st, blobmem.New(), &fakeQueue{}, extract.New(log), log)

	_, err := p.DocExtract(ctx, payload)
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.True(t, stageErr.Retryable)
	assert.Equal(t, "STORAGE_GET_FAILED", stageErr.Code)
}

func TestDocExtractTerminalOnBadPayload(t *testing.T) {
	p, st, blobs, _ := newTestPipeline(t)
	ctx := context.Background()
	payload := seedDocument(t, st, blobs, "ws1", "text/plain", statementText)

	var stageErr *StageError

	missing := payload
	missing.ExtractionID = "nope"
	_, err := p.DocExtract(ctx, missing)
	require.ErrorAs(t, err, &stageErr)
	assert.False(t, stageErr.Retryable)
	assert.Equal(t, "EXTRACTION_NOT_FOUND", stageErr.Code)

	mismatched := payload
	mismatched.Engine = "other-engine"
	_, err = p.DocExtract(ctx, mismatched)
	require.ErrorAs(t, err, &stageErr)
	assert.False(t, stageErr.Retryable)
	assert.Equal(t, "ENGINE_MISMATCH", stageErr.Code)
}

func TestNormalizeRequiresSucceededExtraction(t *testing.T) {
	p, st, blobs, _ := newTestPipeline(t)
	ctx := context.Background()
	payload := seedDocument(t, st, blobs, "ws1", "text/plain", statementText)

	_, err := p.Normalize(ctx, payload)
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.False(t, stageErr.Retryable)
	assert.Equal(t, "EXTRACTION_NOT_READY", stageErr.Code)
}

func TestNormalizeNoTransactions(t *testing.T) {
	p, st, blobs, q := newTestPipeline(t)
	ctx := context.Background()
	payload := seedDocument(t, st, blobs, "ws1", "text/plain", "nothing parsable here")

	_, err := p.DocExtract(ctx, payload)
	require.NoError(t, err)

	outcome, err := p.Normalize(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNormalizedPartial, outcome)

	ex, err := st.GetExtraction(ctx, "ws1", payload.DocumentID, payload.ExtractionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExtractionFailed, ex.Status)
	require.NotNil(t, ex.ErrorCode)
	assert.Equal(t, "NORMALIZE_FAILED", *ex.ErrorCode)

	normalized, err := models.DecodeNormalized(ex.NormalizedJSON)
	require.NoError(t, err)
	assert.False(t, normalized.OK)
	assert.Equal(t, "no_transactions", normalized.Reason)

	assert.Empty(t, q.byType(queue.TaskTxUpsert))
}

func TestTxUpsertSkipsFailedNormalization(t *testing.T) {
	p, st, blobs, q := newTestPipeline(t)
	ctx := context.Background()
	payload := seedDocument(t, st, blobs, "ws1", "text/plain", "nothing parsable here")

	_, err := p.DocExtract(ctx, payload)
	require.NoError(t, err)
	_, err = p.Normalize(ctx, payload)
	require.NoError(t, err)

	outcome, err := p.TxUpsert(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedNotNormalized, outcome)
	assert.Empty(t, q.byType(queue.TaskRollupMonthly))
}

func TestRollupBucketsUnknownMerchant(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := st.UpsertTransactionByFingerprint(ctx, &models.Transaction{
		WorkspaceID: "ws1",
		Source:      models.SourceManual,
		OccurredAt:  time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		AmountCents: 1234,
		Currency:    "EUR",
		Fingerprint: "manual-1",
	})
	require.NoError(t, err)

	outcome, err := p.RollupMonthly(ctx, RollupPayload{WorkspaceID: "ws1", Year: 2024, Month: 3, Currency: "EUR"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRolledUp, outcome)

	rollup, err := st.GetMonthlyRollup(ctx, "ws1", 2024, 3, "EUR")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), rollup.TotalCents)
	assert.Equal(t, models.CentsByName{"Unknown": 1234}, rollup.ByMerchant)
	assert.Equal(t, models.CentsByName{"Uncategorized": 1234}, rollup.ByCategory)
}

func seedMerchantCharges(t *testing.T, st *storemem.Memory, workspaceID, name string, amounts []int64, dates []time.Time) string {
	t.Helper()
	ctx := context.Background()

	merchant, err := st.UpsertMerchant(ctx, workspaceID, name, name)
	require.NoError(t, err)

	for i := range dates {
		_, err := st.UpsertTransactionByFingerprint(ctx, &models.Transaction{
			WorkspaceID: workspaceID,
			Source:      models.SourceUpload,
			OccurredAt:  dates[i],
			AmountCents: amounts[i],
			Currency:    "EUR",
			MerchantID:  &merchant.ID,
			Fingerprint: name + "-" + dates[i].Format("2006-01-02"),
		})
		require.NoError(t, err)
	}
	return merchant.ID
}

func TestDetectSubscriptionsMonthly(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()

	merchantID := seedMerchantCharges(t, st, "ws1", "Spotify",
		[]int64{999, 999, 1001},
		[]time.Time{
			time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 4, 4, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC),
		})

	outcome, err := p.DetectSubscriptions(ctx, SubscriptionDetectPayload{WorkspaceID: "ws1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDetected, outcome)

	sub, err := st.FindActiveSubscription(ctx, "ws1", merchantID, "EUR")
	require.NoError(t, err)
	assert.Equal(t, "Spotify", sub.Name)
	assert.Equal(t, models.IntervalMonthly, sub.Interval)
	assert.Equal(t, int64(999), sub.AmountCents)
	assert.Equal(t, time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC), sub.LastChargedAt)
	require.NotNil(t, sub.NextDueAt)
	assert.Equal(t, time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC), *sub.NextDueAt)
	assert.True(t, sub.Active)

	// Re-detection updates the existing row instead of stacking a second one.
	firstID := sub.ID
	_, err = p.DetectSubscriptions(ctx, SubscriptionDetectPayload{WorkspaceID: "ws1"})
	require.NoError(t, err)
	sub, err = st.FindActiveSubscription(ctx, "ws1", merchantID, "EUR")
	require.NoError(t, err)
	assert.Equal(t, firstID, sub.ID)
}

func TestDetectSubscriptionsTooFewCharges(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()

	merchantID := seedMerchantCharges(t, st, "ws1", "Gym",
		[]int64{2500, 2500},
		[]time.Time{
			time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		})

	_, err := p.DetectSubscriptions(ctx, SubscriptionDetectPayload{WorkspaceID: "ws1"})
	require.NoError(t, err)

	_, err = st.FindActiveSubscription(ctx, "ws1", merchantID, "EUR")
	assert.Error(t, err)
}

func TestDetectSubscriptionsIrregularCadence(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()

	merchantID := seedMerchantCharges(t, st, "ws1", "Cornershop",
		[]int64{500, 500, 500},
		[]time.Time{
			time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC),
		})

	_, err := p.DetectSubscriptions(ctx, SubscriptionDetectPayload{WorkspaceID: "ws1"})
	require.NoError(t, err)

	_, err = st.FindActiveSubscription(ctx, "ws1", merchantID, "EUR")
	assert.Error(t, err)
}

func TestClassifyInterval(t *testing.T) {
	tests := []struct {
		name   string
		deltas []int
		want   models.SubscriptionInterval
	}{
		{"weekly", []int{7, 8}, models.IntervalWeekly},
		{"monthly", []int{30, 36}, models.IntervalMonthly},
		{"yearly", []int{350, 370}, models.IntervalYearly},
		{"irregular", []int{10, 30}, models.IntervalUnknown},
		{"empty", nil, models.IntervalUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyInterval(tt.deltas))
		})
	}
}

func TestMedianCents(t *testing.T) {
	assert.Equal(t, int64(0), medianCents(nil))
	assert.Equal(t, int64(999), medianCents([]int64{999}))
	assert.Equal(t, int64(999), medianCents([]int64{1049, 999, 999}))
	assert.Equal(t, int64(1000), medianCents([]int64{999, 1001}))
}

func TestEmailSyncAndParseChain(t *testing.T) {
	p, st, blobs, q := newTestPipeline(t)
	ctx := context.Background()

	st.PutEmailAccount(&models.EmailAccount{
		ID:          "acct-1",
		WorkspaceID: "ws1",
		Provider:    "gmail",
		Email:       "user@example.com",
		Status:      models.EmailAccountConnected,
	})

	body := base64.StdEncoding.EncodeToString([]byte(statementText))
	syncPayload := EmailSyncPayload{
		WorkspaceID: "ws1",
		ConnectedID: "acct-1",
		MockMessages: []MockMessage{{
			ProviderMsgID: "msg-1",
			Subject:       "Your statement",
			SentAt:        "2024-03-03T09:00:00Z",
			Attachments: []Attachment{{
				Filename:   "statement march.txt",
				MimeType:   "text/plain",
				BodyBase64: body,
			}},
		}},
	}

	outcome, err := p.EmailSync(ctx, syncPayload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnqueuedParse, outcome)

	parseJobs := q.byType(queue.TaskEmailParse)
	require.Len(t, parseJobs, 1)
	assert.Equal(t, EmailParseJobID("acct-1", "msg-1"), parseJobs[0].TaskID)

	var parsePayload EmailParsePayload
	require.NoError(t, json.Unmarshal(parseJobs[0].Payload, &parsePayload))

	outcome, err = p.EmailParse(ctx, parsePayload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeParsed, outcome)

	extractJobs := q.byType(queue.TaskDocExtract)
	require.Len(t, extractJobs, 1)

	var docPayload DocTaskPayload
	require.NoError(t, json.Unmarshal(extractJobs[0].Payload, &docPayload))

	doc, err := st.GetDocument(ctx, "ws1", docPayload.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "workspaces/ws1/email/msg-1/statement_march.txt", doc.StorageKey)
	require.NotNil(t, doc.EmailMessageID)

	data, err := blobs.Get(ctx, doc.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, statementText, string(data))

	outcome, err = p.DocExtract(ctx, docPayload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, outcome)

	// Re-parsing the same message revives the same document.
	_, err = p.EmailParse(ctx, parsePayload)
	require.NoError(t, err)
	extractJobs = q.byType(queue.TaskDocExtract)
	require.Len(t, extractJobs, 2)
	var second DocTaskPayload
	require.NoError(t, json.Unmarshal(extractJobs[1].Payload, &second))
	assert.Equal(t, docPayload.DocumentID, second.DocumentID)
}

func TestEmailSyncTerminalFailures(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()

	var stageErr *StageError

	_, err := p.EmailSync(ctx, EmailSyncPayload{WorkspaceID: "ws1", ConnectedID: "nope"})
	require.ErrorAs(t, err, &stageErr)
	assert.False(t, stageErr.Retryable)
	assert.Equal(t, "ACCOUNT_NOT_FOUND", stageErr.Code)

	st.PutEmailAccount(&models.EmailAccount{
		ID:          "acct-off",
		WorkspaceID: "ws1",
		Provider:    "gmail",
		Email:       "user@example.com",
		Status:      models.EmailAccountDisconnected,
	})
	_, err = p.EmailSync(ctx, EmailSyncPayload{WorkspaceID: "ws1", ConnectedID: "acct-off"})
	require.ErrorAs(t, err, &stageErr)
	assert.False(t, stageErr.Retryable)
	assert.Equal(t, "ACCOUNT_NOT_CONNECTED", stageErr.Code)

	st.PutEmailAccount(&models.EmailAccount{
		ID:          "acct-1",
		WorkspaceID: "ws1",
		Provider:    "gmail",
		Email:       "user@example.com",
		Status:      models.EmailAccountConnected,
	})
	_, err = p.EmailSync(ctx, EmailSyncPayload{WorkspaceID: "ws1", ConnectedID: "acct-1"})
	require.ErrorAs(t, err, &stageErr)
	assert.False(t, stageErr.Retryable)
	assert.Equal(t, "PROVIDER_NOT_IMPLEMENTED", stageErr.Code)
}

func TestEmailParseBadAttachment(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	ctx := context.Background()

	payload := EmailParsePayload{
		WorkspaceID:    "ws1",
		ConnectedID:    "acct-1",
		ProviderMsgID:  "msg-1",
		EmailMessageID: "em-1",
		Attachments: []Attachment{{
			Filename:   "bad.txt",
			MimeType:   "text/plain",
			BodyBase64: "%%% not base64 %%%",
		}},
	}

	_, err := p.EmailParse(ctx, payload)
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.False(t, stageErr.Retryable)
	assert.Equal(t, "BAD_ATTACHMENT", stageErr.Code)
}

func TestSafeFilename(t *testing.T) {
	assert.Equal(t, "statement_march.txt", SafeFilename("statement march.txt"))
	assert.Equal(t, "a_b_c.pdf", SafeFilename("a/b\\c.pdf"))
	assert.Equal(t, "receipt.pdf", SafeFilename("receipt.pdf"))
}
