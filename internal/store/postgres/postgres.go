// Package postgres is the production Store. Uniqueness is enforced by the
// database: every pipeline upsert is an INSERT .. ON CONFLICT against the
// key that makes the stage idempotent.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/famfinance/pipeline/internal/models"
	"github.com/famfinance/pipeline/internal/store"
	"github.com/famfinance/pipeline/pkg/logger"
)

type Postgres struct {
	db     *sqlx.DB
	logger logger.Logger
}

var _ store.Store = (*Postgres)(nil)

func New(databaseURL string, log logger.Logger) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return &Postgres{db: db, logger: log}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

const documentCols = "id, workspace_id, filename, mime_type, size_bytes, storage_key, email_message_id, uploaded_at, deleted_at"

func (p *Postgres) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("documents")
	sb.Cols("id", "workspace_id", "filename", "mime_type", "size_bytes", "storage_key", "email_message_id", "uploaded_at")
	sb.Values(doc.ID, doc.WorkspaceID, doc.Filename, doc.MimeType, doc.SizeBytes, doc.StorageKey, doc.EmailMessageID, doc.UploadedAt)

	query, args := sb.Build()
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func (p *Postgres) GetDocument(ctx context.Context, workspaceID, documentID string) (*models.Document, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(documentCols)
	sb.From("documents")
	sb.Where(
		sb.Equal("id", documentID),
		sb.Equal("workspace_id", workspaceID),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	var doc models.Document
	if err := p.db.GetContext(ctx, &doc, query, args...); err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

func (p *Postgres) UpsertDocumentByStorageKey(ctx context.Context, doc *models.Document) (*models.Document, error) {
	query := `
		INSERT INTO documents (id, workspace_id, filename, mime_type, size_bytes, storage_key, email_message_id, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (storage_key) DO UPDATE SET
			filename = EXCLUDED.filename,
			mime_type = EXCLUDED.mime_type,
			size_bytes = EXCLUDED.size_bytes,
			email_message_id = EXCLUDED.email_message_id,
			deleted_at = NULL
		RETURNING ` + documentCols

	var saved models.Document
	err := p.db.QueryRowxContext(ctx, query,
		uuid.New().String(), doc.WorkspaceID, doc.Filename, doc.MimeType,
		doc.SizeBytes, doc.StorageKey, doc.EmailMessageID, time.Now().UTC(),
	).StructScan(&saved)
	if err != nil {
		return nil, fmt.Errorf("upsert document: %w", err)
	}
	return &saved, nil
}

const extractionCols = "id, document_id, workspace_id, engine, status, extracted_text, normalized_json, error_code, error_message, started_at, finished_at"

func (p *Postgres) GetExtraction(ctx context.Context, workspaceID, documentID, extractionID string) (*models.Extraction, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(extractionCols)
	sb.From("extractions")
	sb.Where(
		sb.Equal("id", extractionID),
		sb.Equal("document_id", documentID),
		sb.Equal("workspace_id", workspaceID),
	)

	query, args := sb.Build()
	var ex models.Extraction
	if err := p.db.GetContext(ctx, &ex, query, args...); err != nil {
		return nil, notFound(err)
	}
	return &ex, nil
}

func (p *Postgres) GetDocumentExtraction(ctx context.Context, workspaceID, documentID, engine string) (*models.Extraction, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(extractionCols)
	sb.From("extractions")
	sb.Where(
		sb.Equal("workspace_id", workspaceID),
		sb.Equal("document_id", documentID),
		sb.Equal("engine", engine),
	)

	query, args := sb.Build()
	var ex models.Extraction
	if err := p.db.GetContext(ctx, &ex, query, args...); err != nil {
		return nil, notFound(err)
	}
	return &ex, nil
}

func (p *Postgres) UpsertExtraction(ctx context.Context, workspaceID, documentID, engine string) (*models.Extraction, error) {
	query := `
		INSERT INTO extractions (id, document_id, workspace_id, engine, status)
		VALUES ($1, $2, $3, $4, 'PENDING')
		ON CONFLICT (document_id, engine) DO UPDATE SET
			status = 'PENDING',
			error_code = NULL,
			error_message = NULL,
			started_at = NULL,
			finished_at = NULL
		RETURNING ` + extractionCols

	var ex models.Extraction
	err := p.db.QueryRowxContext(ctx, query, uuid.New().String(), documentID, workspaceID, engine).StructScan(&ex)
	if err != nil {
		return nil, fmt.Errorf("upsert extraction: %w", err)
	}
	return &ex, nil
}

func (p *Postgres) MarkExtractionProcessing(ctx context.Context, extractionID string, at time.Time) error {
	return p.updateExtraction(ctx, extractionID,
		`UPDATE extractions SET status = 'PROCESSING', started_at = $2 WHERE id = $1`, at)
}

func (p *Postgres) MarkExtractionSucceeded(ctx context.Context, extractionID, extractedText string, at time.Time) error {
	return p.updateExtraction(ctx, extractionID,
		`UPDATE extractions SET status = 'SUCCEEDED', extracted_text = $2, error_code = NULL, error_message = NULL, finished_at = $3 WHERE id = $1`,
		extractedText, at)
}

func (p *Postgres) MarkExtractionFailed(ctx context.Context, extractionID, errorCode, errorMessage string, at time.Time) error {
	return p.updateExtraction(ctx, extractionID,
		`UPDATE extractions SET status = 'FAILED', error_code = $2, error_message = $3, finished_at = $4 WHERE id = $1`,
		errorCode, errorMessage, at)
}

func (p *Postgres) SetExtractionNormalized(ctx context.Context, extractionID string, normalized json.RawMessage) error {
	return p.updateExtraction(ctx, extractionID,
		`UPDATE extractions SET normalized_json = $2 WHERE id = $1`, []byte(normalized))
}

func (p *Postgres) updateExtraction(ctx context.Context, extractionID, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, append([]any{extractionID}, args...)...)
	if err != nil {
		return fmt.Errorf("update extraction: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *Postgres) UpsertMerchant(ctx context.Context, workspaceID, name, normalized string) (*models.Merchant, error) {
	query := `
		INSERT INTO merchants (id, workspace_id, name, normalized)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, normalized) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, workspace_id, name, normalized`

	var m models.Merchant
	err := p.db.QueryRowxContext(ctx, query, uuid.New().String(), workspaceID, name, normalized).StructScan(&m)
	if err != nil {
		return nil, fmt.Errorf("upsert merchant: %w", err)
	}
	return &m, nil
}

const transactionCols = "id, workspace_id, source, occurred_at, amount_cents, currency, description, merchant_id, category_id, document_id, extraction_id, fingerprint, deleted_at"

// UpsertTransactionByFingerprint refreshes everything except category_id so a
// re-extraction does not undo the user's categorization.
func (p *Postgres) UpsertTransactionByFingerprint(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	query := `
		INSERT INTO transactions (id, workspace_id, source, occurred_at, amount_cents, currency, description, merchant_id, category_id, document_id, extraction_id, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (workspace_id, fingerprint) DO UPDATE SET
			source = EXCLUDED.source,
			occurred_at = EXCLUDED.occurred_at,
			amount_cents = EXCLUDED.amount_cents,
			currency = EXCLUDED.currency,
			description = EXCLUDED.description,
			merchant_id = EXCLUDED.merchant_id,
			document_id = EXCLUDED.document_id,
			extraction_id = EXCLUDED.extraction_id,
			deleted_at = NULL
		RETURNING ` + transactionCols

	var saved models.Transaction
	err := p.db.QueryRowxContext(ctx, query,
		uuid.New().String(), tx.WorkspaceID, tx.Source, tx.OccurredAt, tx.AmountCents,
		tx.Currency, tx.Description, tx.MerchantID, tx.CategoryID, tx.DocumentID,
		tx.ExtractionID, tx.Fingerprint,
	).StructScan(&saved)
	if err != nil {
		return nil, fmt.Errorf("upsert transaction: %w", err)
	}
	return &saved, nil
}

const factsCols = `t.id, t.workspace_id, t.source, t.occurred_at, t.amount_cents, t.currency, t.description,
	t.merchant_id, t.category_id, t.document_id, t.extraction_id, t.fingerprint, t.deleted_at,
	m.name AS merchant_name, c.name AS category_name`

func (p *Postgres) ListMonthTransactions(ctx context.Context, workspaceID string, year, month int, currency string) ([]models.TransactionFacts, error) {
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	query := `
		SELECT ` + factsCols + `
		FROM transactions t
		LEFT JOIN merchants m ON m.id = t.merchant_id
		LEFT JOIN categories c ON c.id = t.category_id
		WHERE t.workspace_id = $1
		  AND t.currency = $2
		  AND t.occurred_at >= $3 AND t.occurred_at < $4
		  AND t.deleted_at IS NULL
		ORDER BY t.occurred_at ASC`

	var txns []models.TransactionFacts
	if err := p.db.SelectContext(ctx, &txns, query, workspaceID, currency, from, to); err != nil {
		return nil, fmt.Errorf("list month transactions: %w", err)
	}
	return txns, nil
}

func (p *Postgres) ListMerchantTransactionsSince(ctx context.Context, workspaceID string, since time.Time) ([]models.TransactionFacts, error) {
	query := `
		SELECT ` + factsCols + `
		FROM transactions t
		LEFT JOIN merchants m ON m.id = t.merchant_id
		LEFT JOIN categories c ON c.id = t.category_id
		WHERE t.workspace_id = $1
		  AND t.merchant_id IS NOT NULL
		  AND t.occurred_at >= $2
		  AND t.deleted_at IS NULL
		ORDER BY t.occurred_at ASC`

	var txns []models.TransactionFacts
	if err := p.db.SelectContext(ctx, &txns, query, workspaceID, since); err != nil {
		return nil, fmt.Errorf("list merchant transactions: %w", err)
	}
	return txns, nil
}

func (p *Postgres) UpsertMonthlyRollup(ctx context.Context, rollup *models.MonthlyRollup) error {
	query := `
		INSERT INTO monthly_rollups (workspace_id, year, month, currency, total_cents, by_merchant, by_category)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workspace_id, year, month, currency) DO UPDATE SET
			total_cents = EXCLUDED.total_cents,
			by_merchant = EXCLUDED.by_merchant,
			by_category = EXCLUDED.by_category`

	_, err := p.db.ExecContext(ctx, query,
		rollup.WorkspaceID, rollup.Year, rollup.Month, rollup.Currency,
		rollup.TotalCents, rollup.ByMerchant, rollup.ByCategory,
	)
	if err != nil {
		return fmt.Errorf("upsert rollup: %w", err)
	}
	return nil
}

func (p *Postgres) GetMonthlyRollup(ctx context.Context, workspaceID string, year, month int, currency string) (*models.MonthlyRollup, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("workspace_id", "year", "month", "currency", "total_cents", "by_merchant", "by_category")
	sb.From("monthly_rollups")
	sb.Where(
		sb.Equal("workspace_id", workspaceID),
		sb.Equal("year", year),
		sb.Equal("month", month),
		sb.Equal("currency", currency),
	)

	query, args := sb.Build()
	var rollup models.MonthlyRollup
	if err := p.db.GetContext(ctx, &rollup, query, args...); err != nil {
		return nil, notFound(err)
	}
	return &rollup, nil
}

const subscriptionCols = `id, workspace_id, merchant_id, name, "interval", amount_cents, currency, last_charged_at, next_due_at, active, updated_at`

func (p *Postgres) FindActiveSubscription(ctx context.Context, workspaceID, merchantID, currency string) (*models.Subscription, error) {
	query := `
		SELECT ` + subscriptionCols + `
		FROM subscriptions
		WHERE workspace_id = $1 AND merchant_id = $2 AND currency = $3 AND active
		ORDER BY updated_at DESC
		LIMIT 1`

	var sub models.Subscription
	if err := p.db.GetContext(ctx, &sub, query, workspaceID, merchantID, currency); err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (p *Postgres) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	sub.UpdatedAt = time.Now().UTC()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
		query := `
			INSERT INTO subscriptions (id, workspace_id, merchant_id, name, "interval", amount_cents, currency, last_charged_at, next_due_at, active, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
		_, err := p.db.ExecContext(ctx, query,
			sub.ID, sub.WorkspaceID, sub.MerchantID, sub.Name, sub.Interval,
			sub.AmountCents, sub.Currency, sub.LastChargedAt, sub.NextDueAt,
			sub.Active, sub.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		return nil
	}

	query := `
		UPDATE subscriptions SET
			name = $2, "interval" = $3, amount_cents = $4, last_charged_at = $5,
			next_due_at = $6, active = $7, updated_at = $8
		WHERE id = $1`
	res, err := p.db.ExecContext(ctx, query,
		sub.ID, sub.Name, sub.Interval, sub.AmountCents, sub.LastChargedAt,
		sub.NextDueAt, sub.Active, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *Postgres) GetEmailAccount(ctx context.Context, workspaceID, connectedID string) (*models.EmailAccount, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "workspace_id", "provider", "email", "status")
	sb.From("email_accounts")
	sb.Where(
		sb.Equal("id", connectedID),
		sb.Equal("workspace_id", workspaceID),
	)

	query, args := sb.Build()
	var acct models.EmailAccount
	if err := p.db.GetContext(ctx, &acct, query, args...); err != nil {
		return nil, notFound(err)
	}
	return &acct, nil
}

func (p *Postgres) UpsertEmailMessage(ctx context.Context, msg *models.EmailMessage) (*models.EmailMessage, error) {
	query := `
		INSERT INTO email_messages (id, workspace_id, connected_id, provider_msg_id, subject, from_email, sent_at, snippet, sha256)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (connected_id, provider_msg_id) DO UPDATE SET
			subject = EXCLUDED.subject,
			from_email = EXCLUDED.from_email,
			sent_at = EXCLUDED.sent_at,
			snippet = EXCLUDED.snippet,
			sha256 = EXCLUDED.sha256
		RETURNING id, workspace_id, connected_id, provider_msg_id, subject, from_email, sent_at, snippet, sha256`

	var saved models.EmailMessage
	err := p.db.QueryRowxContext(ctx, query,
		uuid.New().String(), msg.WorkspaceID, msg.ConnectedID, msg.ProviderMsgID,
		msg.Subject, msg.FromEmail, msg.SentAt, msg.Snippet, msg.SHA256,
	).StructScan(&saved)
	if err != nil {
		return nil, fmt.Errorf("upsert email message: %w", err)
	}
	return &saved, nil
}
