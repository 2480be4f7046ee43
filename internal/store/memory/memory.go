// Package memory is a mutex-guarded in-memory Store used by tests and local
// development. It enforces the same uniqueness keys as the postgres
// implementation.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/famfinance/pipeline/internal/models"
	"github.com/famfinance/pipeline/internal/store"
)

type Memory struct {
	mu sync.RWMutex

	documents     map[string]*models.Document
	extractions   map[string]*models.Extraction
	merchants     map[string]*models.Merchant
	transactions  map[string]*models.Transaction
	rollups       map[string]*models.MonthlyRollup
	subscriptions map[string]*models.Subscription
	emailAccounts map[string]*models.EmailAccount
	emailMessages map[string]*models.EmailMessage
}

var _ store.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		documents:     make(map[string]*models.Document),
		extractions:   make(map[string]*models.Extraction),
		merchants:     make(map[string]*models.Merchant),
		transactions:  make(map[string]*models.Transaction),
		rollups:       make(map[string]*models.MonthlyRollup),
		subscriptions: make(map[string]*models.Subscription),
		emailAccounts: make(map[string]*models.EmailAccount),
		emailMessages: make(map[string]*models.EmailMessage),
	}
}

func (m *Memory) CreateDocument(ctx context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	cp := *doc
	m.documents[doc.ID] = &cp
	return nil
}

func (m *Memory) GetDocument(ctx context.Context, workspaceID, documentID string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.documents[documentID]
	if !ok || doc.WorkspaceID != workspaceID || doc.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (m *Memory) UpsertDocumentByStorageKey(ctx context.Context, doc *models.Document) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.documents {
		if existing.StorageKey == doc.StorageKey {
			existing.Filename = doc.Filename
			existing.MimeType = doc.MimeType
			existing.SizeBytes = doc.SizeBytes
			existing.EmailMessageID = doc.EmailMessageID
			existing.DeletedAt = nil
			cp := *existing
			return &cp, nil
		}
	}

	created := *doc
	created.ID = uuid.NewString()
	if created.UploadedAt.IsZero() {
		created.UploadedAt = time.Now().UTC()
	}
	m.documents[created.ID] = &created
	cp := created
	return &cp, nil
}

func (m *Memory) GetExtraction(ctx context.Context, workspaceID, documentID, extractionID string) (*models.Extraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ex, ok := m.extractions[extractionID]
	if !ok || ex.WorkspaceID != workspaceID || ex.DocumentID != documentID {
		return nil, store.ErrNotFound
	}
	cp := *ex
	return &cp, nil
}

func (m *Memory) GetDocumentExtraction(ctx context.Context, workspaceID, documentID, engine string) (*models.Extraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ex := range m.extractions {
		if ex.WorkspaceID == workspaceID && ex.DocumentID == documentID && ex.Engine == engine {
			cp := *ex
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Memory) UpsertExtraction(ctx context.Context, workspaceID, documentID, engine string) (*models.Extraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ex := range m.extractions {
		if ex.DocumentID == documentID && ex.Engine == engine {
			ex.Status = models.ExtractionPending
			ex.ErrorCode = nil
			ex.ErrorMessage = nil
			ex.StartedAt = nil
			ex.FinishedAt = nil
			cp := *ex
			return &cp, nil
		}
	}

	ex := &models.Extraction{
		ID:          uuid.NewString(),
		DocumentID:  documentID,
		WorkspaceID: workspaceID,
		Engine:      engine,
		Status:      models.ExtractionPending,
	}
	m.extractions[ex.ID] = ex
	cp := *ex
	return &cp, nil
}

func (m *Memory) MarkExtractionProcessing(ctx context.Context, extractionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.extractions[extractionID]
	if !ok {
		return store.ErrNotFound
	}
	ex.Status = models.ExtractionProcessing
	ex.StartedAt = &at
	ex.FinishedAt = nil
	ex.ErrorCode = nil
	ex.ErrorMessage = nil
	return nil
}

func (m *Memory) MarkExtractionSucceeded(ctx context.Context, extractionID, extractedText string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.extractions[extractionID]
	if !ok {
		return store.ErrNotFound
	}
	ex.Status = models.ExtractionSucceeded
	ex.ExtractedText = &extractedText
	ex.FinishedAt = &at
	return nil
}

func (m *Memory) MarkExtractionFailed(ctx context.Context, extractionID, errorCode, errorMessage string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.extractions[extractionID]
	if !ok {
		return store.ErrNotFound
	}
	ex.Status = models.ExtractionFailed
	ex.ErrorCode = &errorCode
	ex.ErrorMessage = &errorMessage
	ex.FinishedAt = &at
	return nil
}

func (m *Memory) SetExtractionNormalized(ctx context.Context, extractionID string, normalized json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.extractions[extractionID]
	if !ok {
		return store.ErrNotFound
	}
	ex.NormalizedJSON = append(json.RawMessage(nil), normalized...)
	return nil
}

func (m *Memory) UpsertMerchant(ctx context.Context, workspaceID, name, normalized string) (*models.Merchant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mc := range m.merchants {
		if mc.WorkspaceID == workspaceID && mc.Normalized == normalized {
			mc.Name = name
			cp := *mc
			return &cp, nil
		}
	}

	mc := &models.Merchant{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        name,
		Normalized:  normalized,
	}
	m.merchants[mc.ID] = mc
	cp := *mc
	return &cp, nil
}

func (m *Memory) UpsertTransactionByFingerprint(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.transactions {
		if existing.WorkspaceID == tx.WorkspaceID && existing.Fingerprint == tx.Fingerprint {
			existing.OccurredAt = tx.OccurredAt
			existing.AmountCents = tx.AmountCents
			existing.Currency = tx.Currency
			existing.Description = tx.Description
			existing.MerchantID = tx.MerchantID
			existing.DocumentID = tx.DocumentID
			existing.ExtractionID = tx.ExtractionID
			existing.DeletedAt = nil
			cp := *existing
			return &cp, nil
		}
	}

	created := *tx
	created.ID = uuid.NewString()
	m.transactions[created.ID] = &created
	cp := created
	return &cp, nil
}

func (m *Memory) ListMonthTransactions(ctx context.Context, workspaceID string, year, month int, currency string) ([]models.TransactionFacts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	var out []models.TransactionFacts
	for _, tx := range m.transactions {
		if tx.WorkspaceID != workspaceID || tx.Currency != currency || tx.DeletedAt != nil {
			continue
		}
		if tx.OccurredAt.Before(from) || !tx.OccurredAt.Before(to) {
			continue
		}
		out = append(out, m.factsLocked(tx))
	}
	sortFacts(out)
	return out, nil
}

func (m *Memory) ListMerchantTransactionsSince(ctx context.Context, workspaceID string, since time.Time) ([]models.TransactionFacts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.TransactionFacts
	for _, tx := range m.transactions {
		if tx.WorkspaceID != workspaceID || tx.DeletedAt != nil || tx.MerchantID == nil {
			continue
		}
		if tx.OccurredAt.Before(since) {
			continue
		}
		out = append(out, m.factsLocked(tx))
	}
	sortFacts(out)
	return out, nil
}

func (m *Memory) factsLocked(tx *models.Transaction) models.TransactionFacts {
	facts := models.TransactionFacts{Transaction: *tx}
	if tx.MerchantID != nil {
		if mc, ok := m.merchants[*tx.MerchantID]; ok {
			name := mc.Name
			facts.MerchantName = &name
		}
	}
	return facts
}

func sortFacts(facts []models.TransactionFacts) {
	sort.Slice(facts, func(i, j int) bool {
		return facts[i].OccurredAt.Before(facts[j].OccurredAt)
	})
}

func (m *Memory) UpsertMonthlyRollup(ctx context.Context, rollup *models.MonthlyRollup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rollup
	m.rollups[rollupKey(rollup.WorkspaceID, rollup.Year, rollup.Month, rollup.Currency)] = &cp
	return nil
}

func (m *Memory) GetMonthlyRollup(ctx context.Context, workspaceID string, year, month int, currency string) (*models.MonthlyRollup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rollup, ok := m.rollups[rollupKey(workspaceID, year, month, currency)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rollup
	return &cp, nil
}

func rollupKey(workspaceID string, year, month int, currency string) string {
	return workspaceID + "|" + time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).Format("2006-01") + "|" + currency
}

func (m *Memory) FindActiveSubscription(ctx context.Context, workspaceID, merchantID, currency string) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *models.Subscription
	for _, sub := range m.subscriptions {
		if sub.WorkspaceID != workspaceID || sub.MerchantID != merchantID || sub.Currency != currency || !sub.Active {
			continue
		}
		if best == nil || sub.UpdatedAt.After(best.UpdatedAt) {
			best = sub
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.UpdatedAt = time.Now().UTC()
	cp := *sub
	m.subscriptions[sub.ID] = &cp
	return nil
}

func (m *Memory) GetEmailAccount(ctx context.Context, workspaceID, connectedID string) (*models.EmailAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.emailAccounts[connectedID]
	if !ok || acct.WorkspaceID != workspaceID {
		return nil, store.ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

// PutEmailAccount seeds a connected account; tests and local bootstrap only.
func (m *Memory) PutEmailAccount(acct *models.EmailAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	cp := *acct
	m.emailAccounts[acct.ID] = &cp
}

func (m *Memory) UpsertEmailMessage(ctx context.Context, msg *models.EmailMessage) (*models.EmailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.emailMessages {
		if existing.ConnectedID == msg.ConnectedID && existing.ProviderMsgID == msg.ProviderMsgID {
			existing.Subject = msg.Subject
			existing.FromEmail = msg.FromEmail
			existing.SentAt = msg.SentAt
			existing.Snippet = msg.Snippet
			existing.SHA256 = msg.SHA256
			cp := *existing
			return &cp, nil
		}
	}

	created := *msg
	created.ID = uuid.NewString()
	m.emailMessages[created.ID] = &created
	cp := created
	return &cp, nil
}
