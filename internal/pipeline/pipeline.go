// Package pipeline implements the stage handlers that turn an opaque
// document into deduplicated transactions, monthly rollups and detected
// subscriptions. Stages are chained through a durable queue; each stage
// enqueues its successor only after its own success, under a deterministic
// job id so redundant enqueues from retried upstream runs coalesce.
package pipeline

import (
	"fmt"
	"time"

	"github.com/famfinance/pipeline/internal/extract"
	"github.com/famfinance/pipeline/internal/store"
	"github.com/famfinance/pipeline/pkg/logger"
	"github.com/famfinance/pipeline/pkg/queue"
	"github.com/famfinance/pipeline/pkg/storage"
)

// Engine names the extraction pipeline version. One Extraction row exists
// per (document, engine); bumping this reprocesses documents under a new row.
const Engine = "pipeline-v1"

// Outcome is the terminal status a stage reports for a delivered job.
type Outcome string

const (
	OutcomeSucceeded            Outcome = "succeeded"
	OutcomeAlreadySucceeded     Outcome = "already_succeeded"
	OutcomeUnsupportedMime      Outcome = "failed_unsupported_mime"
	OutcomeNormalized           Outcome = "normalized"
	OutcomeNormalizedPartial    Outcome = "normalized_partial"
	OutcomeUpserted             Outcome = "upserted"
	OutcomeSkippedNotNormalized Outcome = "skipped_not_normalized"
	OutcomeRolledUp             Outcome = "rolled_up"
	OutcomeDetected             Outcome = "detected"
	OutcomeEnqueuedParse        Outcome = "enqueued_parse"
	OutcomeParsed               Outcome = "parsed"
)

// StageError is the failure half of a stage result. Retryable failures go
// back to the queue for backoff redelivery; non-retryable ones are
// ordering/configuration bugs where re-running the same call cannot help.
type StageError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func retryable(code string, err error) *StageError {
	return &StageError{Code: code, Retryable: true, Err: err}
}

func terminal(code string, err error) *StageError {
	return &StageError{Code: code, Retryable: false, Err: err}
}

// Stage error codes. UNSUPPORTED_MIME and NORMALIZE_FAILED are content
// errors recorded on the Extraction row only; the rest surface as
// StageErrors.
const (
	codeExtractionNotFound  = "EXTRACTION_NOT_FOUND"
	codeEngineMismatch      = "ENGINE_MISMATCH"
	codeExtractionNotReady  = "EXTRACTION_NOT_READY"
	codeDocumentNotFound    = "DOCUMENT_NOT_FOUND"
	codeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	codeStorageGetFailed    = "STORAGE_GET_FAILED"
	codeStoragePutFailed    = "STORAGE_PUT_FAILED"
	codeExtractFailed       = "EXTRACT_FAILED"
	codeUnsupportedMime     = "UNSUPPORTED_MIME"
	codeNormalizeFailed     = "NORMALIZE_FAILED"
	codeBadNormalized       = "BAD_NORMALIZED_PAYLOAD"
	codeBadAttachment       = "BAD_ATTACHMENT"
	codeStoreFailed         = "STORE_FAILED"
	codeEnqueueFailed       = "ENQUEUE_FAILED"
	codeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	codeAccountNotConnected = "ACCOUNT_NOT_CONNECTED"
	codeProviderMissing     = "PROVIDER_NOT_IMPLEMENTED"
)

// DocTaskPayload is shared by doc_extract, normalize and tx_upsert.
type DocTaskPayload struct {
	WorkspaceID  string `json:"workspaceId"`
	DocumentID   string `json:"documentId"`
	ExtractionID string `json:"extractionId"`
	Engine       string `json:"engine"`
}

// RollupPayload identifies one (workspace, month, currency) aggregation.
type RollupPayload struct {
	WorkspaceID string `json:"workspaceId"`
	Year        int    `json:"year"`
	Month       int    `json:"month"`
	Currency    string `json:"currency"`
}

// Attachment is an inlined email attachment body.
type Attachment struct {
	Filename   string `json:"filename"`
	MimeType   string `json:"mimeType"`
	BodyBase64 string `json:"bodyBase64"`
}

// MockMessage is a provider message supplied directly on the sync payload.
// Real provider fetching is not implemented; ingestion tests and demos feed
// messages through here.
type MockMessage struct {
	ProviderMsgID string       `json:"providerMsgId"`
	Subject       string       `json:"subject,omitempty"`
	FromEmail     string       `json:"fromEmail,omitempty"`
	SentAt        string       `json:"sentAt,omitempty"`
	Snippet       string       `json:"snippet,omitempty"`
	SHA256        string       `json:"sha256,omitempty"`
	Attachments   []Attachment `json:"attachments"`
}

type EmailSyncPayload struct {
	WorkspaceID  string        `json:"workspaceId"`
	ConnectedID  string        `json:"connectedId"`
	MockMessages []MockMessage `json:"mockMessages,omitempty"`
}

type EmailParsePayload struct {
	WorkspaceID    string       `json:"workspaceId"`
	ConnectedID    string       `json:"connectedId"`
	ProviderMsgID  string       `json:"providerMsgId"`
	EmailMessageID string       `json:"emailMessageId"`
	Attachments    []Attachment `json:"attachments"`
}

type SubscriptionDetectPayload struct {
	WorkspaceID string `json:"workspaceId"`
}

// Deterministic job ids. Stage-to-stage handoff and external triggers must
// agree on these so re-enqueues collapse onto the pending job.

func DocExtractJobID(documentID, engine string) string {
	return fmt.Sprintf("doc_extract-%s-%s", documentID, engine)
}

func NormalizeJobID(documentID, engine string) string {
	return fmt.Sprintf("normalize-%s-%s", documentID, engine)
}

func TxUpsertJobID(documentID, engine string) string {
	return fmt.Sprintf("tx_upsert-%s-%s", documentID, engine)
}

func RollupJobID(workspaceID string, year, month int, currency string) string {
	return fmt.Sprintf("rollup-%s-%04d-%02d-%s", workspaceID, year, month, currency)
}

func EmailSyncJobID(connectedID string) string {
	return fmt.Sprintf("email_sync-%s", connectedID)
}

func EmailParseJobID(connectedID, providerMsgID string) string {
	return fmt.Sprintf("email_parse-%s-%s", connectedID, providerMsgID)
}

func SubscriptionDetectJobID(workspaceID string) string {
	return fmt.Sprintf("subscription_detect-%s", workspaceID)
}

// Pipeline carries the injected collaborators every stage runs against.
// There is no hidden shared state: the relational store arbitrates all
// concurrent writes through its uniqueness constraints.
type Pipeline struct {
	store     store.Store
	blobs     storage.Storage
	queue     queue.Enqueuer
	extractor *extract.Extractor
	logger    logger.Logger
	now       func() time.Time
}

func New(st store.Store, blobs storage.Storage, q queue.Enqueuer, ex *extract.Extractor, log logger.Logger) *Pipeline {
	return &Pipeline{
		store:     st,
		blobs:     blobs,
		queue:     q,
		extractor: ex,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source; tests pin it.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}
