package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ofirs1988/genwave-sub001/app/models"
	"github.com/ofirs1988/genwave-sub001/genwave"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const syncConcurrency = 4

// ProcessBatch submits one batch of a job to the backend. Errors that a
// retry cannot fix fail the batch and return nil; anything else is
// returned so the caller retries the batch.
func (s *Service) ProcessBatch(ctx context.Context, msg models.JobMessage) error {
	start := s.now()
	log := zap.L().With(
		zap.Int64("request_id", msg.RequestID),
		zap.String("job_id", msg.JobID),
		zap.Int("batch_index", msg.BatchIndex),
	)

	req, err := GetRequest(ctx, msg.RequestID)
	if errors.Is(err, ErrNotFound) {
		log.Warn("dropping batch for unknown request")
		return nil
	}
	if err != nil {
		return err
	}

	items, err := LoadBatchItems(ctx, msg.JobID, msg.BatchIndex)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		log.Info("batch has no pending items")
		return nil
	}

	client, err := s.signedClient(ctx)
	if err != nil {
		if permanentError(err) {
			return s.failBatch(ctx, msg, items, err.Error())
		}
		return err
	}

	greq := buildGenerationRequest(req, msg, items, s.cfg.GenWave.WebhookURL())
	greq.IdempotencyKey = batchKey(msg)
	gen, err := client.CreateGeneration(ctx, greq)
	if err != nil {
		if permanentError(err) {
			return s.failBatch(ctx, msg, items, err.Error())
		}
		batchesProcessed.WithLabelValues("retry").Inc()
		return fmt.Errorf("create generation: %w", err)
	}

	if err := MarkItemsProcessing(ctx, req.ID, itemIDs(items), gen.ID); err != nil {
		return err
	}
	if _, err := s.applyGeneration(ctx, req.ID, gen); err != nil {
		log.Warn("applying inline results failed", zap.Error(err))
	}
	if err := UpdateJobProgress(ctx, msg.JobID, false); err != nil {
		log.Warn("job progress update failed", zap.Error(err))
	}
	batchesProcessed.WithLabelValues("submitted").Inc()

	log.Info("batch submitted",
		zap.String("external_id", gen.ID),
		zap.Int("items", len(items)),
		zap.Duration("took", s.now().Sub(start)),
	)
	return nil
}

// FailBatch gives up on a batch after its retries are exhausted.
func (s *Service) FailBatch(ctx context.Context, msg models.JobMessage, cause error) {
	items, err := LoadBatchItems(ctx, msg.JobID, msg.BatchIndex)
	if err != nil {
		zap.L().Error("loading batch to fail", zap.String("job_id", msg.JobID), zap.Error(err))
		return
	}
	reason := "batch could not be submitted"
	if cause != nil {
		reason = cause.Error()
	}
	if err := s.failBatch(ctx, msg, items, reason); err != nil {
		zap.L().Error("failing batch", zap.String("job_id", msg.JobID), zap.Error(err))
	}
}

func (s *Service) failBatch(ctx context.Context, msg models.JobMessage, items []models.GenItem, reason string) error {
	if len(items) == 0 {
		return nil
	}
	if err := MarkItemsFailed(ctx, msg.RequestID, itemIDs(items), reason); err != nil {
		return err
	}
	if err := UpdateJobProgress(ctx, msg.JobID, true); err != nil {
		zap.L().Warn("job progress update failed", zap.String("job_id", msg.JobID), zap.Error(err))
	}
	batchesProcessed.WithLabelValues("failed").Inc()
	zap.L().Warn("batch failed",
		zap.Int64("request_id", msg.RequestID),
		zap.String("job_id", msg.JobID),
		zap.Int("batch_index", msg.BatchIndex),
		zap.String("reason", reason),
	)
	return nil
}

// batchKey is stable for a (job, batch) pair, so every redelivery of a
// batch reuses it. A retry of failed items runs under a new job and gets a
// new key.
func batchKey(msg models.JobMessage) string {
	name := msg.JobID + ":" + strconv.Itoa(msg.BatchIndex)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func itemIDs(items []models.GenItem) []int64 {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

// buildGenerationRequest groups batch items by post. Each post asks only
// for its own pending fields.
func buildGenerationRequest(req models.GenRequest, msg models.JobMessage, items []models.GenItem, callbackURL string) genwave.GenerationRequest {
	out := genwave.GenerationRequest{
		RequestID:    req.UUID,
		JobID:        msg.JobID,
		BatchIndex:   msg.BatchIndex,
		PostType:     string(req.PostType),
		Language:     req.Language,
		Tone:         req.Tone,
		Instructions: req.Instructions,
		CallbackURL:  callbackURL,
	}

	seenField := map[string]bool{}
	postIndex := map[int64]int{}
	for _, it := range items {
		field := string(it.Field)
		if !seenField[field] {
			seenField[field] = true
			out.Fields = append(out.Fields, field)
		}

		i, ok := postIndex[it.PostID]
		if !ok {
			i = len(out.Posts)
			postIndex[it.PostID] = i
			out.Posts = append(out.Posts, postInput(it))
		}
		out.Posts[i].Fields = append(out.Posts[i].Fields, field)
	}
	return out
}

func postInput(it models.GenItem) genwave.PostInput {
	var p models.PostPayload
	if len(it.Snapshot) > 0 {
		if err := it.Snapshot.Unmarshal(&p); err != nil {
			zap.L().Warn("bad item snapshot", zap.Int64("item_id", it.ID), zap.Error(err))
		}
	}
	return genwave.PostInput{
		PostID:           it.PostID,
		Title:            p.Title,
		Content:          p.Content,
		Excerpt:          p.Excerpt,
		ShortDescription: p.ShortDescription,
		Categories:       p.Categories,
		ImageURL:         p.ImageURL,
		Attributes:       p.Attributes,
	}
}

// applyGeneration stores the results of a generation and, once the backend
// considers it final, closes any item it returned nothing for.
func (s *Service) applyGeneration(ctx context.Context, requestID int64, gen *genwave.Generation) (int, error) {
	n, err := ApplyResults(ctx, requestID, gen.ID, gen.Results)
	if err != nil {
		return n, err
	}

	var (
		status models.Status
		reason string
	)
	switch gen.Status {
	case genwave.StatusCompleted:
		status, reason = models.StatusFailed, "no result returned"
	case genwave.StatusFailed:
		status, reason = models.StatusFailed, "generation failed"
	case genwave.StatusCancelled:
		status, reason = models.StatusCancelled, "generation cancelled"
	default:
		return n, nil
	}
	closed, err := FinalizeGeneration(ctx, requestID, gen.ID, status, reason)
	return n + closed, err
}

// SyncRequest polls the backend for every open generation of a request.
func (s *Service) SyncRequest(ctx context.Context, requestID int64) (int, error) {
	if _, err := GetRequest(ctx, requestID); err != nil {
		return 0, err
	}
	gens, err := OpenGenerations(ctx, requestID)
	if err != nil || len(gens) == 0 {
		return 0, err
	}
	client, err := s.signedClient(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, g := range gens {
		n, err := s.syncGeneration(ctx, client, g)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// SyncAll dispatches stale pending batches again, then polls every open
// generation with bounded concurrency. Failures are logged per generation.
func (s *Service) SyncAll(ctx context.Context) (int, error) {
	if _, err := s.RedispatchStale(ctx); err != nil {
		zap.L().Warn("stale batch redispatch failed", zap.Error(err))
	}

	gens, err := OpenGenerations(ctx, 0)
	if err != nil || len(gens) == 0 {
		return 0, err
	}
	client, err := s.signedClient(ctx)
	if err != nil {
		return 0, err
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for _, og := range gens {
		g.Go(func() error {
			n, err := s.syncGeneration(gctx, client, og)
			if err != nil {
				zap.L().Warn("sync failed",
					zap.Int64("request_id", og.RequestID),
					zap.String("external_id", og.ExternalID),
					zap.Error(err),
				)
				return nil
			}
			total.Add(int64(n))
			return nil
		})
	}
	err = g.Wait()
	return int(total.Load()), err
}

func (s *Service) syncGeneration(ctx context.Context, client *genwave.Client, og openGeneration) (int, error) {
	gen, err := client.GetGeneration(ctx, og.ExternalID)
	var apiErr *genwave.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return FinalizeGeneration(ctx, og.RequestID, og.ExternalID, models.StatusFailed, "generation not found")
	}
	if err != nil {
		return 0, err
	}
	if gen.ID == "" {
		gen.ID = og.ExternalID
	}
	return s.applyGeneration(ctx, og.RequestID, gen)
}

// RunSyncLoop calls SyncAll every interval until ctx is done.
func (s *Service) RunSyncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SyncAll(ctx)
			if err != nil && !errors.Is(err, ErrNotConnected) {
				zap.L().Warn("background sync failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Info("background sync applied results", zap.Int("items", n))
			}
		}
	}
}
