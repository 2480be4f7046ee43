package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ExtractionStatus tracks one engine run over a document.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "PENDING"
	ExtractionProcessing ExtractionStatus = "PROCESSING"
	ExtractionSucceeded  ExtractionStatus = "SUCCEEDED"
	ExtractionFailed     ExtractionStatus = "FAILED"
)

// TransactionSource records where a transaction entered the system.
type TransactionSource string

const (
	SourceManual TransactionSource = "MANUAL"
	SourceUpload TransactionSource = "UPLOAD"
	SourceEmail  TransactionSource = "EMAIL"
)

// SubscriptionInterval is the detected recurrence cadence.
type SubscriptionInterval string

const (
	IntervalWeekly  SubscriptionInterval = "WEEKLY"
	IntervalMonthly SubscriptionInterval = "MONTHLY"
	IntervalYearly  SubscriptionInterval = "YEARLY"
	IntervalUnknown SubscriptionInterval = "UNKNOWN"
)

// EmailAccountStatus is the state of a connected provider account.
type EmailAccountStatus string

const (
	EmailAccountConnected    EmailAccountStatus = "CONNECTED"
	EmailAccountDisconnected EmailAccountStatus = "DISCONNECTED"
	EmailAccountError        EmailAccountStatus = "ERROR"
)

// Document is a workspace-scoped blob reference. Soft-deleted, never hard-deleted.
type Document struct {
	ID             string     `db:"id" json:"id"`
	WorkspaceID    string     `db:"workspace_id" json:"workspaceId"`
	Filename       string     `db:"filename" json:"filename"`
	MimeType       string     `db:"mime_type" json:"mimeType"`
	SizeBytes      int64      `db:"size_bytes" json:"sizeBytes"`
	StorageKey     string     `db:"storage_key" json:"storageKey"`
	EmailMessageID *string    `db:"email_message_id" json:"emailMessageId,omitempty"`
	UploadedAt     time.Time  `db:"uploaded_at" json:"uploadedAt"`
	DeletedAt      *time.Time `db:"deleted_at" json:"deletedAt,omitempty"`
}

// Extraction is one attempt of running a named engine over a document.
// Unique per (document_id, engine); re-running an engine updates the row in
// place, which is what makes the pipeline resumable.
type Extraction struct {
	ID             string           `db:"id" json:"id"`
	DocumentID     string           `db:"document_id" json:"documentId"`
	WorkspaceID    string           `db:"workspace_id" json:"workspaceId"`
	Engine         string           `db:"engine" json:"engine"`
	Status         ExtractionStatus `db:"status" json:"status"`
	ExtractedText  *string          `db:"extracted_text" json:"extractedText,omitempty"`
	NormalizedJSON json.RawMessage  `db:"normalized_json" json:"normalizedJson,omitempty"`
	ErrorCode      *string          `db:"error_code" json:"errorCode,omitempty"`
	ErrorMessage   *string          `db:"error_message" json:"errorMessage,omitempty"`
	StartedAt      *time.Time       `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt     *time.Time       `db:"finished_at" json:"finishedAt,omitempty"`
}

// Merchant joins re-extractions of the same real-world merchant under
// varying spellings. Unique per (workspace_id, normalized).
type Merchant struct {
	ID          string `db:"id" json:"id"`
	WorkspaceID string `db:"workspace_id" json:"workspaceId"`
	Name        string `db:"name" json:"name"`
	Normalized  string `db:"normalized" json:"normalized"`
}

// Category is a user-facing spend bucket. The pipeline only reads its name
// for rollups; CRUD lives in the API layer.
type Category struct {
	ID          string `db:"id" json:"id"`
	WorkspaceID string `db:"workspace_id" json:"workspaceId"`
	Name        string `db:"name" json:"name"`
}

// Transaction is the canonical financial event. Unique per
// (workspace_id, fingerprint), which is the pipeline's idempotency key.
type Transaction struct {
	ID           string            `db:"id" json:"id"`
	WorkspaceID  string            `db:"workspace_id" json:"workspaceId"`
	Source       TransactionSource `db:"source" json:"source"`
	OccurredAt   time.Time         `db:"occurred_at" json:"occurredAt"`
	AmountCents  int64             `db:"amount_cents" json:"amountCents"`
	Currency     string            `db:"currency" json:"currency"`
	Description  *string           `db:"description" json:"description,omitempty"`
	MerchantID   *string           `db:"merchant_id" json:"merchantId,omitempty"`
	CategoryID   *string           `db:"category_id" json:"categoryId,omitempty"`
	DocumentID   *string           `db:"document_id" json:"documentId,omitempty"`
	ExtractionID *string           `db:"extraction_id" json:"extractionId,omitempty"`
	Fingerprint  string            `db:"fingerprint" json:"fingerprint"`
	DeletedAt    *time.Time        `db:"deleted_at" json:"deletedAt,omitempty"`
}

// TransactionFacts is a transaction joined with its merchant/category display
// names, the shape the aggregator and detector consume.
type TransactionFacts struct {
	Transaction
	MerchantName *string `db:"merchant_name" json:"merchantName,omitempty"`
	CategoryName *string `db:"category_name" json:"categoryName,omitempty"`
}

// CentsByName is a JSONB map column of display name to signed cents.
type CentsByName map[string]int64

// Value implements driver.Valuer.
func (m CentsByName) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *CentsByName) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = CentsByName{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cents map: unsupported scan type %T", src)
	}
}

// MonthlyRollup is the precomputed monthly aggregate, unique per
// (workspace_id, year, month, currency). Always a full recompute.
type MonthlyRollup struct {
	WorkspaceID string      `db:"workspace_id" json:"workspaceId"`
	Year        int         `db:"year" json:"year"`
	Month       int         `db:"month" json:"month"`
	Currency    string      `db:"currency" json:"currency"`
	TotalCents  int64       `db:"total_cents" json:"totalCents"`
	ByMerchant  CentsByName `db:"by_merchant" json:"byMerchant"`
	ByCategory  CentsByName `db:"by_category" json:"byCategory"`
}

// Subscription is a detected recurring charge. Application logic keeps at
// most one active row per (workspace_id, merchant_id, currency).
type Subscription struct {
	ID            string               `db:"id" json:"id"`
	WorkspaceID   string               `db:"workspace_id" json:"workspaceId"`
	MerchantID    string               `db:"merchant_id" json:"merchantId"`
	Name          string               `db:"name" json:"name"`
	Interval      SubscriptionInterval `db:"interval" json:"interval"`
	AmountCents   int64                `db:"amount_cents" json:"amountCents"`
	Currency      string               `db:"currency" json:"currency"`
	LastChargedAt time.Time            `db:"last_charged_at" json:"lastChargedAt"`
	NextDueAt     *time.Time           `db:"next_due_at" json:"nextDueAt,omitempty"`
	Active        bool                 `db:"active" json:"active"`
	UpdatedAt     time.Time            `db:"updated_at" json:"updatedAt"`
}

// EmailAccount is a connected provider mailbox.
type EmailAccount struct {
	ID          string             `db:"id" json:"id"`
	WorkspaceID string             `db:"workspace_id" json:"workspaceId"`
	Provider    string             `db:"provider" json:"provider"`
	Email       string             `db:"email" json:"email"`
	Status      EmailAccountStatus `db:"status" json:"status"`
}

// EmailMessage is a synced provider message, unique per
// (connected_id, provider_msg_id).
type EmailMessage struct {
	ID            string     `db:"id" json:"id"`
	WorkspaceID   string     `db:"workspace_id" json:"workspaceId"`
	ConnectedID   string     `db:"connected_id" json:"connectedId"`
	ProviderMsgID string     `db:"provider_msg_id" json:"providerMsgId"`
	Subject       *string    `db:"subject" json:"subject,omitempty"`
	FromEmail     *string    `db:"from_email" json:"fromEmail,omitempty"`
	SentAt        *time.Time `db:"sent_at" json:"sentAt,omitempty"`
	Snippet       *string    `db:"snippet" json:"snippet,omitempty"`
	SHA256        *string    `db:"sha256" json:"sha256,omitempty"`
}
