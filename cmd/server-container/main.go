package main

import (
	"context"

	"github.com/ofirs1988/genwave-sub001/app"
	"github.com/ofirs1988/genwave-sub001/app/config"
	"github.com/ofirs1988/genwave-sub001/logging"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"go.uber.org/zap"
)

var ginLambda *ginadapter.GinLambda

// init runs once per Lambda container (cold start)
func init() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}
	logging.MustSetup(cfg.Logs)

	ctx := context.Background()
	app.MustInitDB(ctx, cfg.DB)

	svc, err := app.NewService(ctx, cfg)
	if err != nil {
		zap.L().Fatal("failed to build service", zap.Error(err))
	}
	// a Lambda container freezes between invocations, so batches always go
	// through the queue
	if cfg.QueueURL == "" {
		zap.L().Fatal("QUEUE_URL is required in Lambda")
	}
	client, err := app.NewSQSClient(ctx)
	if err != nil {
		zap.L().Fatal("failed to init SQS", zap.Error(err))
	}
	svc.UseDispatcher(app.NewSQSDispatcher(client, cfg.QueueURL))

	router, err := app.NewRouter(svc, app.RouterOptions{})
	if err != nil {
		zap.L().Fatal("failed to initialize router", zap.Error(err))
	}

	// Wrap Gin router with Lambda adapter
	ginLambda = ginadapter.New(router)
}

// Handler is the Lambda entrypoint for API Gateway REST/HTTP API (proxy integration)
func Handler(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return ginLambda.ProxyWithContext(ctx, req)
}

func main() {
	lambda.Start(Handler)
}
