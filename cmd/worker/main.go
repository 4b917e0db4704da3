package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/ofirs1988/genwave-sub001/app"
	"github.com/ofirs1988/genwave-sub001/app/config"
	"github.com/ofirs1988/genwave-sub001/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := logging.MustSetup(cfg.Logs)
	defer logger.Sync()

	baseCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueURL == "" {
		zap.L().Fatal("QUEUE_URL environment variable is required")
	}

	app.MustInitDB(baseCtx, cfg.DB)
	defer app.CloseDB()

	svc, err := app.NewService(baseCtx, cfg)
	if err != nil {
		zap.L().Fatal("failed to build service", zap.Error(err))
	}

	sqsClient, err := app.NewSQSClient(baseCtx)
	if err != nil {
		zap.L().Fatal("failed to init SQS", zap.Error(err))
	}

	zap.L().Info("worker started", zap.String("queue_url", cfg.QueueURL))

	for baseCtx.Err() == nil {
		// Long-poll SQS
		recvCtx, cancel := context.WithTimeout(baseCtx, 30*time.Second)
		resp, err := sqsClient.ReceiveMessage(recvCtx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(cfg.QueueURL),
			MaxNumberOfMessages: 5,
			WaitTimeSeconds:     20,  // long polling
			VisibilityTimeout:   180, // seconds; must be > max batch processing time
			MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
				sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		cancel()

		if err != nil {
			if baseCtx.Err() != nil {
				break
			}
			zap.L().Warn("ReceiveMessage error", zap.Error(err))
			sleep(baseCtx, 5*time.Second)
			continue
		}

		if len(resp.Messages) == 0 {
			continue
		}

		for _, m := range resp.Messages {
			// Per-batch timeout
			jobCtx, jobCancel := context.WithTimeout(baseCtx, 2*time.Minute)
			done := svc.HandleQueueMessage(jobCtx, m)
			jobCancel()

			if done {
				deleteMessage(sqsClient, cfg.QueueURL, m)
			}
		}
	}
	zap.L().Info("worker stopped")
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func deleteMessage(sqsClient *sqs.Client, queueURL string, m sqstypes.Message) {
	if m.ReceiptHandle == nil {
		return
	}
	_, err := sqsClient.DeleteMessage(context.Background(), &sqs.DeleteMessageInput{
		QueueUrl:      &queueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		zap.L().Warn("failed to delete SQS message", zap.Error(err))
	}
}
