// Package ingest coordinates the write path: dedup, metadata insert,
// and asynchronous chunk-embed-index work.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/chunk"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/embed"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/executor"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/llm"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/store"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/vector"
)

// previewLen caps the chunk text stored in the vector sidecar.
const previewLen = 200

// summaryMaxWords bounds the ingest-time summary.
const summaryMaxWords = 80

// Vectors is the slice of the vector manager the coordinator needs.
type Vectors interface {
	Add(ctx context.Context, userID int64, chunks []vector.AddChunk) error
	RemoveByDocument(ctx context.Context, userID, documentID int64) (int, error)
	Persist(ctx context.Context, userID int64) error
}

// Coordinator owns document ingestion and deletion. Indexing runs on
// the executor; the caller gets the pending document back immediately.
type Coordinator struct {
	store    *store.Store
	vectors  Vectors
	embedder embed.Embedder
	splitter *chunk.Splitter
	pool     *executor.Pool
	llm      llm.Client // optional, nil disables ingest summaries
	logger   *slog.Logger
}

// New creates a coordinator. llmClient may be nil.
func New(st *store.Store, vectors Vectors, embedder embed.Embedder,
	splitter *chunk.Splitter, pool *executor.Pool, llmClient llm.Client,
	logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    st,
		vectors:  vectors,
		embedder: embedder,
		splitter: splitter,
		pool:     pool,
		llm:      llmClient,
		logger:   logger.With("component", "ingest"),
	}
}

// Ingest validates and stores one article for a user, then queues the
// indexing work. Returns (nil, nil) when the article is already
// present, so bulk callers can count skips without failing the batch.
func (c *Coordinator) Ingest(ctx context.Context, userID int64, article model.Article,
	sourceType model.SourceType, extraTags []string) (*model.Document, error) {

	title := strings.TrimSpace(article.Title)
	content := strings.TrimSpace(article.Content)
	if title == "" || content == "" {
		return nil, apperr.ValidationError("article needs both title and content")
	}

	hash := model.ContentHash(content)
	present, err := c.alreadyPresent(ctx, userID, article.SourceURL, hash)
	if err != nil {
		return nil, err
	}
	if present {
		c.logger.Debug("duplicate skipped",
			"user_id", userID, "url", article.SourceURL)
		return nil, nil
	}

	doc := &model.Document{
		UserID:      userID,
		Title:       title,
		Content:     content,
		Summary:     article.Summary,
		SourceURL:   article.SourceURL,
		SourceType:  sourceType,
		Author:      article.Author,
		PublishedAt: article.PublishedAt,
		ContentHash: hash,
		Tags:        mergeTags(article.Tags, extraTags),
	}

	if err := c.store.CreateDocument(ctx, doc); err != nil {
		// A concurrent ingest can win the race between the dedup check
		// and the insert; treat that as already present.
		if apperr.HasCode(err, apperr.CodeDuplicate) {
			return nil, nil
		}
		return nil, err
	}

	if err := c.submitIndex(doc.UserID, doc.ID); err != nil {
		return doc, err
	}
	return doc, nil
}

// alreadyPresent runs the two dedup lookups: exact URL, then
// normalized content hash.
func (c *Coordinator) alreadyPresent(ctx context.Context, userID int64, sourceURL, hash string) (bool, error) {
	if sourceURL != "" {
		byURL, err := c.store.HasDocumentWithURL(ctx, userID, sourceURL)
		if err != nil || byURL {
			return byURL, err
		}
	}
	return c.store.HasDocumentWithHash(ctx, userID, hash)
}

func (c *Coordinator) submitIndex(userID, docID int64) error {
	return c.pool.Submit(executor.Task{
		UserID: userID,
		Kind:   executor.KindIndexDocument,
		Run: func(ctx context.Context) error {
			return c.indexDocument(ctx, userID, docID)
		},
	})
}

// indexDocument runs on the executor: chunk, embed, add to the vector
// index, then mark the document indexed (or failed).
func (c *Coordinator) indexDocument(ctx context.Context, userID, docID int64) error {
	doc, err := c.store.GetDocument(ctx, userID, docID)
	if err != nil {
		return err
	}
	if doc.IndexedState != model.IndexedStatePending {
		// Deleted or already handled since submission.
		return nil
	}

	if err := c.embedAndIndex(ctx, doc); err != nil {
		if stateErr := c.store.TransitionState(ctx, userID, docID, model.IndexedStateFailed); stateErr != nil {
			c.logger.Error("mark failed state", "document_id", docID, "error", stateErr)
		}
		return apperr.Wrap(apperr.CodeIndexingFailed, err)
	}

	if err := c.store.TransitionState(ctx, userID, docID, model.IndexedStateIndexed); err != nil {
		return err
	}

	c.maybeSummarize(ctx, doc)
	return nil
}

func (c *Coordinator) embedAndIndex(ctx context.Context, doc *model.Document) error {
	chunks := c.splitter.Split(doc.ID, doc.Content)
	if len(chunks) == 0 {
		return fmt.Errorf("document %d produced no chunks", doc.ID)
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}

	vectors, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}

	adds := make([]vector.AddChunk, len(chunks))
	for i, ch := range chunks {
		adds[i] = vector.AddChunk{
			ChunkID:     ch.ID,
			DocumentID:  doc.ID,
			Ordinal:     ch.Ordinal,
			TextPreview: preview(ch.Text),
			Vector:      vectors[i],
		}
	}

	if err := c.vectors.Add(ctx, doc.UserID, adds); err != nil {
		return err
	}
	return c.vectors.Persist(ctx, doc.UserID)
}

// maybeSummarize writes an LLM summary onto freshly indexed documents
// that arrived without one. Best effort: failures log and move on.
func (c *Coordinator) maybeSummarize(ctx context.Context, doc *model.Document) {
	if c.llm == nil || doc.Summary != "" {
		return
	}

	summary, err := c.llm.Generate(ctx, llm.SummaryPrompt(doc.Content, summaryMaxWords), llm.Params{
		Temperature: 0.2,
		MaxTokens:   256,
	})
	if err != nil {
		c.logger.Warn("ingest summary skipped", "document_id", doc.ID, "error", err)
		return
	}
	if summary == "" {
		return
	}
	if _, err := c.store.UpdateDocument(ctx, doc.UserID, doc.ID, &summary, nil); err != nil {
		c.logger.Warn("store ingest summary", "document_id", doc.ID, "error", err)
	}
}

// Delete removes a document. Indexed documents pass through the
// evicting state while their vectors are removed asynchronously;
// others are deleted immediately.
func (c *Coordinator) Delete(ctx context.Context, userID, docID int64) error {
	doc, err := c.store.GetDocument(ctx, userID, docID)
	if err != nil {
		return err
	}

	if doc.IndexedState != model.IndexedStateIndexed {
		return c.store.DeleteDocument(ctx, userID, docID)
	}

	if err := c.store.TransitionState(ctx, userID, docID, model.IndexedStateEvicting); err != nil {
		return err
	}

	return c.pool.Submit(executor.Task{
		UserID: userID,
		Kind:   executor.KindEvictVectors,
		Run: func(taskCtx context.Context) error {
			if _, err := c.vectors.RemoveByDocument(taskCtx, userID, docID); err != nil {
				return err
			}
			if err := c.vectors.Persist(taskCtx, userID); err != nil {
				return err
			}
			return c.store.DeleteDocument(taskCtx, userID, docID)
		},
	})
}

// RetryFailed re-queues the user's failed documents. Returns how many
// were resubmitted.
func (c *Coordinator) RetryFailed(ctx context.Context, userID int64) (int, error) {
	failed, err := c.store.ListDocumentsByState(ctx, userID, model.IndexedStateFailed)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, doc := range failed {
		if err := c.store.TransitionState(ctx, userID, doc.ID, model.IndexedStatePending); err != nil {
			return retried, err
		}
		if err := c.submitIndex(userID, doc.ID); err != nil {
			return retried, err
		}
		retried++
	}
	return retried, nil
}

// RecoverPending re-queues documents stuck in pending or evicting
// after an unclean shutdown. Called once at startup.
func (c *Coordinator) RecoverPending(ctx context.Context, userID int64) error {
	pending, err := c.store.ListDocumentsByState(ctx, userID, model.IndexedStatePending)
	if err != nil {
		return err
	}
	for _, doc := range pending {
		if err := c.submitIndex(userID, doc.ID); err != nil {
			return err
		}
	}

	evicting, err := c.store.ListDocumentsByState(ctx, userID, model.IndexedStateEvicting)
	if err != nil {
		return err
	}
	for _, doc := range evicting {
		docID := doc.ID
		err := c.pool.Submit(executor.Task{
			UserID: userID,
			Kind:   executor.KindEvictVectors,
			Run: func(taskCtx context.Context) error {
				if _, err := c.vectors.RemoveByDocument(taskCtx, userID, docID); err != nil {
					return err
				}
				return c.store.DeleteDocument(taskCtx, userID, docID)
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func preview(text string) string {
	if len(text) <= previewLen {
		return text
	}
	return text[:previewLen]
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, raw := range append(append([]string{}, a...), b...) {
		tag := model.NormalizeTag(raw)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// IngestBatch ingests many articles, tolerating duplicates and bad
// rows. Returns created documents and per-article failures.
func (c *Coordinator) IngestBatch(ctx context.Context, userID int64, articles []model.Article,
	sourceType model.SourceType, extraTags []string) (created []*model.Document, skipped int, failures []error) {

	start := time.Now()
	batchID := uuid.NewString()
	for _, article := range articles {
		doc, err := c.Ingest(ctx, userID, article, sourceType, extraTags)
		switch {
		case err != nil:
			failures = append(failures, err)
		case doc == nil:
			skipped++
		default:
			created = append(created, doc)
		}
	}

	c.logger.Info("batch ingested",
		"batch_id", batchID,
		"user_id", userID, "source_type", sourceType,
		"created", len(created), "skipped", skipped,
		"failed", len(failures), "elapsed", time.Since(start))
	return created, skipped, failures
}
