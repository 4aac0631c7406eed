package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/tendant/chunked-content-pipeline/internal/lambdaingest"
	"github.com/tendant/chunked-content-pipeline/internal/logging"
	"github.com/tendant/chunked-content-pipeline/pkg/runner"
)

// SQS-triggered chunk ingestion. Chunks are recorded against the shared
// tracker and store; assembled uploads are published to the DBOS queue the
// pipeline workers consume. Use the s3 storage and dynamodb tracker
// backends so state outlives the function instance.
func main() {
	cfg, err := runner.LoadConfig("")
	if err != nil {
		logging.New("info", "json").Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.Logging.Level, "json")

	ctx := context.Background()
	r, err := runner.New(ctx, *cfg, log, runner.Options{PublishOnly: true})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}
	defer r.Shutdown(5 * time.Second)

	if err := r.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start pipeline")
	}

	h := lambdaingest.NewHandler(r.Ingest(), cfg.Ingest.MaxRedeliveries+1, log)
	lambda.Start(h.Handle)
}
