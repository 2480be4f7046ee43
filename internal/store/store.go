// Package store defines the relational persistence contract the pipeline
// runs against. The uniqueness constraints (workspace_id, fingerprint),
// (document_id, engine), (workspace_id, normalized), (connected_id,
// provider_msg_id) are what make concurrent or repeated stage execution
// commutative; implementations must enforce them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/famfinance/pipeline/internal/models"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("not found")

// Store is the single source of truth and sole arbiter of concurrent writes.
type Store interface {
	// Documents.
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, workspaceID, documentID string) (*models.Document, error)
	// UpsertDocumentByStorageKey keys on the globally unique storage key;
	// re-ingesting the same attachment revives and updates the existing row.
	UpsertDocumentByStorageKey(ctx context.Context, doc *models.Document) (*models.Document, error)

	// Extractions.
	GetExtraction(ctx context.Context, workspaceID, documentID, extractionID string) (*models.Extraction, error)
	// GetDocumentExtraction looks up the (documentID, engine) row; status reads
	// key on the engine, not the extraction id.
	GetDocumentExtraction(ctx context.Context, workspaceID, documentID, engine string) (*models.Extraction, error)
	// UpsertExtraction resets the (documentID, engine) row to PENDING with
	// error fields and timestamps cleared, creating it if absent. Extracted
	// text and the normalized payload are kept; the rerun overwrites them.
	UpsertExtraction(ctx context.Context, workspaceID, documentID, engine string) (*models.Extraction, error)
	MarkExtractionProcessing(ctx context.Context, extractionID string, at time.Time) error
	MarkExtractionSucceeded(ctx context.Context, extractionID, extractedText string, at time.Time) error
	MarkExtractionFailed(ctx context.Context, extractionID, errorCode, errorMessage string, at time.Time) error
	SetExtractionNormalized(ctx context.Context, extractionID string, normalized json.RawMessage) error

	// Merchants and transactions.
	UpsertMerchant(ctx context.Context, workspaceID, name, normalized string) (*models.Merchant, error)
	// UpsertTransactionByFingerprint inserts, or refreshes amount, provenance
	// and soft-delete state of the existing (workspace_id, fingerprint) row.
	UpsertTransactionByFingerprint(ctx context.Context, tx *models.Transaction) (*models.Transaction, error)
	ListMonthTransactions(ctx context.Context, workspaceID string, year, month int, currency string) ([]models.TransactionFacts, error)
	// ListMerchantTransactionsSince returns non-deleted transactions with a
	// merchant set, ordered by occurred_at ascending.
	ListMerchantTransactionsSince(ctx context.Context, workspaceID string, since time.Time) ([]models.TransactionFacts, error)

	// Rollups.
	UpsertMonthlyRollup(ctx context.Context, rollup *models.MonthlyRollup) error
	GetMonthlyRollup(ctx context.Context, workspaceID string, year, month int, currency string) (*models.MonthlyRollup, error)

	// Subscriptions.
	// FindActiveSubscription returns the most recently updated active row for
	// the key, or ErrNotFound.
	FindActiveSubscription(ctx context.Context, workspaceID, merchantID, currency string) (*models.Subscription, error)
	SaveSubscription(ctx context.Context, sub *models.Subscription) error

	// Email ingestion.
	GetEmailAccount(ctx context.Context, workspaceID, connectedID string) (*models.EmailAccount, error)
	UpsertEmailMessage(ctx context.Context, msg *models.EmailMessage) (*models.EmailMessage, error)
}
