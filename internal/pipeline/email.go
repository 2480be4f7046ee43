package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/famfinance/pipeline/internal/models"
	"github.com/famfinance/pipeline/internal/store"
	"github.com/famfinance/pipeline/pkg/logger"
	"github.com/famfinance/pipeline/pkg/queue"
)

const maxFilenameLen = 180

var unsafeFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SafeFilename strips characters that are unsafe in object storage keys.
func SafeFilename(name string) string {
	s := unsafeFilenameRe.ReplaceAllString(name, "_")
	if len(s) > maxFilenameLen {
		s = s[:maxFilenameLen]
	}
	return s
}

// EmailSync upserts the provider messages of a connected account and fans
// out one email_parse job per message. Provider fetching is not implemented;
// messages arrive inlined on the payload.
func (p *Pipeline) EmailSync(ctx context.Context, payload EmailSyncPayload) (Outcome, error) {
	acct, err := p.store.GetEmailAccount(ctx, payload.WorkspaceID, payload.ConnectedID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", terminal(codeAccountNotFound, fmt.Errorf("connected account %s: %w", payload.ConnectedID, err))
		}
		return "", retryable(codeStoreFailed, fmt.Errorf("get connected account: %w", err))
	}
	if acct.Status != models.EmailAccountConnected {
		return "", terminal(codeAccountNotConnected, fmt.Errorf("connected account %s is %s", acct.ID, acct.Status))
	}

	if payload.MockMessages == nil {
		return "", terminal(codeProviderMissing, errors.New("provider fetching not implemented (missing mockMessages)"))
	}

	for _, msg := range payload.MockMessages {
		record := &models.EmailMessage{
			WorkspaceID:   payload.WorkspaceID,
			ConnectedID:   payload.ConnectedID,
			ProviderMsgID: msg.ProviderMsgID,
		}
		if msg.Subject != "" {
			record.Subject = &msg.Subject
		}
		if msg.FromEmail != "" {
			record.FromEmail = &msg.FromEmail
		}
		if msg.Snippet != "" {
			record.Snippet = &msg.Snippet
		}
		if msg.SHA256 != "" {
			record.SHA256 = &msg.SHA256
		}
		if msg.SentAt != "" {
			sentAt, err := time.Parse(time.RFC3339, msg.SentAt)
			if err != nil {
				return "", terminal(codeBadAttachment, fmt.Errorf("message %s sentAt %q: %w", msg.ProviderMsgID, msg.SentAt, err))
			}
			record.SentAt = &sentAt
		}

		saved, err := p.store.UpsertEmailMessage(ctx, record)
		if err != nil {
			return "", retryable(codeStoreFailed, fmt.Errorf("upsert email message: %w", err))
		}

		parsePayload := EmailParsePayload{
			WorkspaceID:    payload.WorkspaceID,
			ConnectedID:    payload.ConnectedID,
			ProviderMsgID:  msg.ProviderMsgID,
			EmailMessageID: saved.ID,
			Attachments:    msg.Attachments,
		}
		jobID := EmailParseJobID(payload.ConnectedID, msg.ProviderMsgID)
		if err := p.queue.Enqueue(ctx, queue.TaskEmailParse, jobID, parsePayload); err != nil {
			return "", retryable(codeEnqueueFailed, fmt.Errorf("enqueue email_parse: %w", err))
		}
	}

	p.logger.Info("email sync enqueued parsing",
		logger.String("connectedId", payload.ConnectedID),
		logger.Int("messages", len(payload.MockMessages)),
	)
	return OutcomeEnqueuedParse, nil
}

// EmailParse materializes each attachment as a Document plus a PENDING
// Extraction and hands off to doc_extract; from here on the email path and
// the upload path are the same pipeline. Storage keys are deterministic per
// (workspace, message, filename), so re-parsing the same message revives the
// existing documents instead of duplicating them.
func (p *Pipeline) EmailParse(ctx context.Context, payload EmailParsePayload) (Outcome, error) {
	if err := p.blobs.EnsureBucket(ctx); err != nil {
		return "", retryable(codeStorageUnavailable, err)
	}

	for _, att := range payload.Attachments {
		body, err := base64.StdEncoding.DecodeString(att.BodyBase64)
		if err != nil {
			return "", terminal(codeBadAttachment, fmt.Errorf("attachment %s: %w", att.Filename, err))
		}

		key := fmt.Sprintf("workspaces/%s/email/%s/%s", payload.WorkspaceID, payload.ProviderMsgID, SafeFilename(att.Filename))
		if err := p.blobs.Put(ctx, key, body, att.MimeType); err != nil {
			return "", retryable(codeStoragePutFailed, fmt.Errorf("put %s: %w", key, err))
		}

		emailMessageID := payload.EmailMessageID
		doc, err := p.store.UpsertDocumentByStorageKey(ctx, &models.Document{
			WorkspaceID:    payload.WorkspaceID,
			Filename:       att.Filename,
			MimeType:       att.MimeType,
			SizeBytes:      int64(len(body)),
			StorageKey:     key,
			EmailMessageID: &emailMessageID,
		})
		if err != nil {
			return "", retryable(codeStoreFailed, fmt.Errorf("upsert document: %w", err))
		}

		ex, err := p.store.UpsertExtraction(ctx, doc.WorkspaceID, doc.ID, Engine)
		if err != nil {
			return "", retryable(codeStoreFailed, fmt.Errorf("upsert extraction: %w", err))
		}

		extractPayload := DocTaskPayload{
			WorkspaceID:  payload.WorkspaceID,
			DocumentID:   doc.ID,
			ExtractionID: ex.ID,
			Engine:       Engine,
		}
		if err := p.queue.Enqueue(ctx, queue.TaskDocExtract, DocExtractJobID(doc.ID, Engine), extractPayload); err != nil {
			return "", retryable(codeEnqueueFailed, fmt.Errorf("enqueue doc_extract: %w", err))
		}
	}

	p.logger.Info("email attachments ingested",
		logger.String("providerMsgId", payload.ProviderMsgID),
		logger.Int("attachments", len(payload.Attachments)),
	)
	return OutcomeParsed, nil
}
