package app

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ofirs1988/genwave-sub001/app/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// MaxBatchAttempts is how many times a batch is tried before it is failed.
const MaxBatchAttempts = 3

// sqsMaxBatch is the SendMessageBatch entry limit.
const sqsMaxBatch = 10

type BatchFunc func(ctx context.Context, msg models.JobMessage) error

type GiveUpFunc func(ctx context.Context, msg models.JobMessage, cause error)

// LocalDispatcher runs batches in-process on a bounded number of workers.
type LocalDispatcher struct {
	ctx     context.Context
	run     BatchFunc
	giveUp  GiveUpFunc
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	backoff time.Duration
	dropped atomic.Int64
}

// NewLocalDispatcher runs batches under ctx rather than the dispatching
// request's context, so they outlive the HTTP call.
func NewLocalDispatcher(ctx context.Context, workers int, run BatchFunc, giveUp GiveUpFunc) *LocalDispatcher {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &LocalDispatcher{
		ctx:     ctx,
		run:     run,
		giveUp:  giveUp,
		sem:     semaphore.NewWeighted(int64(workers)),
		backoff: 2 * time.Second,
	}
}

func (d *LocalDispatcher) Dispatch(_ context.Context, msgs []models.JobMessage) error {
	for _, m := range msgs {
		d.wg.Add(1)
		go d.process(m)
	}
	return nil
}

func (d *LocalDispatcher) process(msg models.JobMessage) {
	defer d.wg.Done()
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		d.leavePending(msg)
		return
	}
	defer d.sem.Release(1)

	var err error
	for attempt := 1; attempt <= MaxBatchAttempts; attempt++ {
		if err = d.run(d.ctx, msg); err == nil {
			return
		}
		zap.L().Warn("batch attempt failed",
			zap.String("job_id", msg.JobID),
			zap.Int("batch_index", msg.BatchIndex),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == MaxBatchAttempts {
			break
		}
		select {
		case <-d.ctx.Done():
			d.leavePending(msg)
			return
		case <-time.After(time.Duration(attempt) * d.backoff):
		}
	}
	if d.giveUp != nil {
		d.giveUp(d.ctx, msg, err)
	}
}

// leavePending notes a batch dropped on shutdown. Its items stay pending
// until Service.RedispatchStale picks them up.
func (d *LocalDispatcher) leavePending(msg models.JobMessage) {
	d.dropped.Add(1)
	zap.L().Warn("batch left pending on shutdown",
		zap.Int64("request_id", msg.RequestID),
		zap.String("job_id", msg.JobID),
		zap.Int("batch_index", msg.BatchIndex),
	)
}

// Dropped is the number of batches abandoned because ctx was done.
func (d *LocalDispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Wait blocks until every dispatched batch has finished.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

// SQSSender is the part of the SQS client the dispatcher uses.
type SQSSender interface {
	SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// NewSQSClient loads the default AWS configuration chain.
func NewSQSClient(ctx context.Context) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// SQSDispatcher enqueues batches for cmd/worker.
type SQSDispatcher struct {
	client   SQSSender
	queueURL string
}

func NewSQSDispatcher(client SQSSender, queueURL string) *SQSDispatcher {
	return &SQSDispatcher{client: client, queueURL: queueURL}
}

func (d *SQSDispatcher) Dispatch(ctx context.Context, msgs []models.JobMessage) error {
	for start := 0; start < len(msgs); start += sqsMaxBatch {
		end := min(start+sqsMaxBatch, len(msgs))

		entries := make([]sqstypes.SendMessageBatchRequestEntry, 0, end-start)
		for i, m := range msgs[start:end] {
			body, err := json.Marshal(m)
			if err != nil {
				return err
			}
			entries = append(entries, sqstypes.SendMessageBatchRequestEntry{
				Id:          aws.String(strconv.Itoa(start + i)),
				MessageBody: aws.String(string(body)),
			})
		}

		out, err := d.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(d.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("sqs send: %w", err)
		}
		if len(out.Failed) > 0 {
			reasons := make([]string, 0, len(out.Failed))
			for _, f := range out.Failed {
				reasons = append(reasons, aws.ToString(f.Id)+": "+aws.ToString(f.Message))
			}
			return fmt.Errorf("sqs rejected %d of %d messages: %s",
				len(out.Failed), len(entries), strings.Join(reasons, "; "))
		}
		zap.L().Debug("enqueued batches", zap.Int("count", len(entries)), zap.String("queue_url", d.queueURL))
	}
	return nil
}

// HandleQueueMessage runs one received SQS message and reports whether
// it should be deleted. Undecodable bodies are dropped; a batch that keeps
// failing is failed once SQS has delivered it MaxBatchAttempts times.
func (s *Service) HandleQueueMessage(ctx context.Context, m sqstypes.Message) bool {
	if m.Body == nil {
		zap.L().Warn("received message with empty body", zap.String("message_id", aws.ToString(m.MessageId)))
		return true
	}

	var msg models.JobMessage
	if err := json.Unmarshal([]byte(*m.Body), &msg); err != nil {
		zap.L().Warn("dropping malformed job message", zap.String("body", *m.Body), zap.Error(err))
		return true
	}

	err := s.ProcessBatch(ctx, msg)
	if err == nil {
		return true
	}

	received, _ := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
	zap.L().Warn("batch failed",
		zap.String("job_id", msg.JobID),
		zap.Int("batch_index", msg.BatchIndex),
		zap.Int("receive_count", received),
		zap.Error(err),
	)
	if received >= MaxBatchAttempts {
		s.FailBatch(ctx, msg, err)
		return true
	}
	// leave it for SQS to redeliver after the visibility timeout
	return false
}
