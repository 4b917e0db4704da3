package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ofirs1988/genwave-sub001/account"
	"github.com/ofirs1988/genwave-sub001/app/config"
	"github.com/ofirs1988/genwave-sub001/app/models"
	"github.com/ofirs1988/genwave-sub001/encryption"
	"github.com/ofirs1988/genwave-sub001/genwave"
	"github.com/ofirs1988/genwave-sub001/nonce"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	creditsTimeout = 15 * time.Second

	// stalePendingAge is how long a batch may sit pending before it is
	// dispatched again.
	stalePendingAge = 10 * time.Minute
)

// Dispatcher hands job batches to whatever runs ProcessBatch.
type Dispatcher interface {
	Dispatch(ctx context.Context, msgs []models.JobMessage) error
}

// Service holds everything the handlers, the worker and the CLI share.
type Service struct {
	cfg      *config.Config
	cipher   *encryption.Cipher
	nonces   *nonce.Manager
	account  *account.Client
	api      *genwave.Client
	dispatch Dispatcher
	credits  singleflight.Group
	now      func() time.Time
}

// NewService builds a Service that processes batches in-process until
// UseDispatcher installs another dispatcher.
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	c, err := encryption.New(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	s := &Service{
		cfg:     cfg,
		cipher:  c,
		nonces:  nonce.New(cfg.Security.NonceSalt, cfg.Security.NonceLifetime),
		account: account.NewClient(cfg.GenWave.AccountURL, &http.Client{Timeout: 15 * time.Second}),
		api: genwave.NewClient(cfg.GenWave.APIURL,
			genwave.WithRateLimit(cfg.GenWave.RateLimit),
			genwave.WithObserver(observeAPICall),
		),
		now: time.Now,
	}
	s.dispatch = NewLocalDispatcher(ctx, cfg.Workers, s.ProcessBatch, s.FailBatch)
	return s, nil
}

func (s *Service) UseDispatcher(d Dispatcher) {
	s.dispatch = d
}

func (s *Service) Nonces() *nonce.Manager {
	return s.nonces
}

// credentials loads the connection and decrypts its shared secret.
func (s *Service) credentials(ctx context.Context) (models.Connection, string, error) {
	conn, err := LoadConnection(ctx)
	if err != nil {
		return models.Connection{}, "", err
	}
	secret, err := s.cipher.Decrypt(conn.EncryptedSecret)
	if err != nil {
		zap.L().Error("stored secret cannot be decrypted; reconnect the site", zap.Error(err))
		return models.Connection{}, "", fmt.Errorf("%w: stored secret cannot be decrypted", ErrNotConnected)
	}
	return conn, secret, nil
}

// signedClient returns an API client carrying the site's credentials.
func (s *Service) signedClient(ctx context.Context) (*genwave.Client, error) {
	conn, secret, err := s.credentials(ctx)
	if err != nil {
		return nil, err
	}
	return s.api.WithCredentials(conn.LicenseKey, secret), nil
}

// Connected reports whether credentials are stored.
func (s *Service) Connected(ctx context.Context) bool {
	_, err := LoadConnection(ctx)
	return err == nil
}

// Submit persists a generate request and dispatches its batches.
func (s *Service) Submit(ctx context.Context, userID string, in models.GenerateRequest) (models.GenerateResponse, error) {
	if _, err := LoadConnection(ctx); err != nil {
		return models.GenerateResponse{}, err
	}

	req, job, err := CreateRequest(ctx, userID, in, s.cfg.GenWave.BatchSize)
	if err != nil {
		return models.GenerateResponse{}, err
	}
	requestsCreated.WithLabelValues(string(in.PostType)).Inc()

	if err := s.dispatchJob(ctx, job); err != nil {
		return models.GenerateResponse{}, err
	}

	zap.L().Info("generation request accepted",
		zap.Int64("request_id", req.ID),
		zap.String("user_id", userID),
		zap.String("job_id", job.ID),
		zap.Int("items", job.TotalItems),
		zap.Int("batches", job.TotalBatches),
	)
	return models.GenerateResponse{
		RequestID: req.ID,
		UUID:      req.UUID,
		JobID:     job.ID,
		Items:     job.TotalItems,
		Batches:   job.TotalBatches,
	}, nil
}

// Retry resets the failed items of a request and dispatches them again.
// It returns the zero job when nothing failed.
func (s *Service) Retry(ctx context.Context, requestID int64) (models.JobStatus, int, error) {
	if _, err := LoadConnection(ctx); err != nil {
		return models.JobStatus{}, 0, err
	}
	job, n, err := ResetFailedItems(ctx, requestID, s.cfg.GenWave.BatchSize)
	if err != nil || n == 0 {
		return job, n, err
	}
	if err := s.dispatchJob(ctx, job); err != nil {
		return models.JobStatus{}, 0, err
	}
	return job, n, nil
}

func (s *Service) dispatchJob(ctx context.Context, job models.JobStatus) error {
	msgs := make([]models.JobMessage, 0, job.TotalBatches)
	for i := 0; i < job.TotalBatches; i++ {
		msgs = append(msgs, models.JobMessage{
			RequestID:  job.RequestID,
			JobID:      job.ID,
			BatchIndex: i,
		})
	}
	if err := s.dispatch.Dispatch(ctx, msgs); err != nil {
		return fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}
	return nil
}

// RedispatchStale dispatches again every batch left pending for longer than
// stalePendingAge, such as batches dropped when the process stopped. It
// returns the number of batches dispatched.
func (s *Service) RedispatchStale(ctx context.Context) (int, error) {
	msgs, err := StalePendingBatches(ctx, s.now().Add(-stalePendingAge))
	if err != nil || len(msgs) == 0 {
		return 0, err
	}
	if err := s.dispatch.Dispatch(ctx, msgs); err != nil {
		return 0, fmt.Errorf("redispatch stale batches: %w", err)
	}
	batchesProcessed.WithLabelValues("redispatched").Add(float64(len(msgs)))
	zap.L().Info("redispatched stale batches", zap.Int("batches", len(msgs)))
	return len(msgs), nil
}

// WaitDispatched blocks until batches running in-process have finished.
func (s *Service) WaitDispatched() {
	if d, ok := s.dispatch.(*LocalDispatcher); ok {
		d.Wait()
	}
}

// Cancel cancels the open items of a request, then asks the backend to
// stop the generations that were running. Remote failures are logged.
func (s *Service) Cancel(ctx context.Context, requestID int64) (models.RequestDetails, error) {
	externalIDs, err := CancelRequest(ctx, requestID)
	if err != nil {
		return models.RequestDetails{}, err
	}

	if len(externalIDs) > 0 {
		client, err := s.signedClient(ctx)
		if err != nil {
			zap.L().Warn("skipping remote cancel", zap.Int64("request_id", requestID), zap.Error(err))
		} else {
			for _, id := range externalIDs {
				if err := client.CancelGeneration(ctx, id); err != nil {
					zap.L().Warn("remote cancel failed",
						zap.Int64("request_id", requestID),
						zap.String("external_id", id),
						zap.Error(err),
					)
				}
			}
		}
	}
	return GetRequestDetails(ctx, requestID)
}

// Credits fetches remaining credits, collapsing concurrent lookups. The
// shared lookup does not inherit the first caller's cancellation; each
// caller still stops waiting when its own ctx is done.
func (s *Service) Credits(ctx context.Context) (*genwave.Credits, error) {
	ch := s.credits.DoChan("credits", func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), creditsTimeout)
		defer cancel()
		client, err := s.signedClient(lctx)
		if err != nil {
			return nil, err
		}
		return client.GetCredits(lctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*genwave.Credits), nil
	}
}

// permanentError reports whether retrying err cannot succeed.
func permanentError(err error) bool {
	if errors.Is(err, ErrNotConnected) || errors.Is(err, genwave.ErrNoCredentials) {
		return true
	}
	var apiErr *genwave.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return false
		}
		return apiErr.Status >= 400 && apiErr.Status < 500
	}
	return false
}
