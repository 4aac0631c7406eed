package runner

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tendant/simple-content/pkg/simplecontent/presets"

	"github.com/tendant/chunked-content-pipeline/internal/config"
	"github.com/tendant/chunked-content-pipeline/internal/dbosruntime"
	"github.com/tendant/chunked-content-pipeline/internal/storage"
	"github.com/tendant/chunked-content-pipeline/internal/tracker"
)

// newStore builds the blob store selected by cfg.Storage
func newStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	var store storage.Store
	switch cfg.Backend {
	case "memory":
		store = storage.NewMemoryStorage()
	case "filesystem":
		fs, err := storage.NewFilesystemStorage(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage dir: %w", err)
		}
		store = fs
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		store = storage.NewS3Storage(s3.NewFromConfig(awsCfg), cfg.Bucket)
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}

	algo, err := storage.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if algo != storage.CompressionNone {
		store = storage.NewCompressedStorage(store, algo)
	}
	return store, nil
}

// newTracker builds the chunk-set tracker selected by cfg.Tracker. The
// postgres tracker shares the runtime's pool.
func newTracker(ctx context.Context, cfg *config.Config, rt *dbosruntime.Runtime) (tracker.Tracker, error) {
	switch cfg.Tracker.Backend {
	case "memory":
		return tracker.NewMemory(nil), nil
	case "postgres":
		if rt == nil {
			return nil, fmt.Errorf("postgres tracker needs the DBOS runtime")
		}
		return tracker.NewPostgres(ctx, rt.DB())
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return tracker.NewDynamo(dynamodb.NewFromConfig(awsCfg), cfg.Tracker.DynamoTable, nil), nil
	default:
		return nil, fmt.Errorf("unknown tracker backend: %q", cfg.Tracker.Backend)
	}
}

// newArchive returns the destination of the storage stage: the remote
// simple-content API when one is configured, an embedded development
// service otherwise.
func newArchive(cfg config.ArchiveConfig, storageDir string, log zerolog.Logger) (storage.Archive, func(), error) {
	tenantID, err := uuid.Parse(cfg.TenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid content tenant id %q: %w", cfg.TenantID, err)
	}

	if cfg.ContentAPIURL != "" {
		log.Info().Str("url", cfg.ContentAPIURL).Msg("using simple-content HTTP API")
		return storage.NewHTTPArchive(cfg.ContentAPIURL, tenantID), func() {}, nil
	}

	log.Info().Str("dir", storageDir).Msg("using embedded simple-content service")
	svc, cleanup, err := presets.NewDevelopment(presets.WithDevStorage(storageDir))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize simple-content service: %w", err)
	}
	return storage.NewContentArchive(svc, tenantID, cfg.AccessBaseURL), cleanup, nil
}
