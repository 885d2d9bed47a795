package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	awsCredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dittoweb/internal/logger"
	"github.com/marmos91/dittoweb/pkg/adapter/web"
	"github.com/marmos91/dittoweb/pkg/credentials"
	credBadger "github.com/marmos91/dittoweb/pkg/credentials/badger"
	credMemory "github.com/marmos91/dittoweb/pkg/credentials/memory"
	"github.com/marmos91/dittoweb/pkg/docroot"
	"github.com/marmos91/dittoweb/pkg/httpconn"
	"github.com/marmos91/dittoweb/pkg/metrics"
	"github.com/mitchellh/mapstructure"
)

// CreateDocRoot creates a document root source based on configuration.
//
// The Type field picks the implementation; its options map is decoded into
// a local config struct and handed to the constructor.
//
// Supported types:
//   - "filesystem": serve an existing local directory
//   - "s3": mirror a bucket prefix into a local cache directory
func CreateDocRoot(ctx context.Context, cfg *DocRootConfig) (docroot.Source, error) {
	switch cfg.Type {
	case "filesystem":
		return createFilesystemDocRoot(cfg.Filesystem)
	case "s3":
		return createS3DocRoot(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown document root type: %q", cfg.Type)
	}
}

func createFilesystemDocRoot(options map[string]any) (docroot.Source, error) {
	type FilesystemDocRootConfig struct {
		Path string `mapstructure:"path"`
	}

	var rootCfg FilesystemDocRootConfig
	if err := mapstructure.Decode(options, &rootCfg); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem document root config: %w", err)
	}

	if rootCfg.Path == "" {
		return nil, fmt.Errorf("filesystem document root: path is required")
	}

	return docroot.NewFilesystem(rootCfg.Path), nil
}

// createS3DocRoot builds an S3 client and the mirror that uses it.
func createS3DocRoot(ctx context.Context, options map[string]any) (docroot.Source, error) {
	type S3DocRootConfig struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		MaxRetries      int    `mapstructure:"max_retries"`
		CacheDir        string `mapstructure:"cache_dir"`
	}

	var rootCfg S3DocRootConfig
	if err := mapstructure.Decode(options, &rootCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 document root config: %w", err)
	}

	if rootCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 document root: bucket is required")
	}
	if rootCfg.Region == "" {
		return nil, fmt.Errorf("S3 document root: region is required")
	}
	if rootCfg.CacheDir == "" {
		rootCfg.CacheDir = "/tmp/dittoweb-docroot"
	}

	var configOptions []func(*awsConfig.LoadOptions) error
	configOptions = append(configOptions, awsConfig.WithRegion(rootCfg.Region))

	// Static credentials if provided, otherwise the default chain
	if rootCfg.AccessKeyID != "" && rootCfg.SecretAccessKey != "" {
		credProvider := awsCredentials.NewStaticCredentialsProvider(
			rootCfg.AccessKeyID,
			rootCfg.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := rootCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoint for MinIO, Localstack, etc. needs path-style
		// addressing.
		if rootCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(rootCfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	mirror, err := docroot.NewS3(docroot.S3Config{
		Client:    client,
		Bucket:    rootCfg.Bucket,
		KeyPrefix: rootCfg.KeyPrefix,
		CacheDir:  rootCfg.CacheDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 document root: %w", err)
	}

	logger.Info("S3 document root configured: bucket=%s, region=%s, prefix=%s, cache=%s",
		rootCfg.Bucket, rootCfg.Region, rootCfg.KeyPrefix, rootCfg.CacheDir)

	return mirror, nil
}

// CreateCredentialStore creates the user store backing the login forms.
//
// Supported types:
//   - "memory": process-local map, lost on exit
//   - "badger": persistent BadgerDB at db_path
func CreateCredentialStore(ctx context.Context, cfg *CredentialsConfig) (credentials.Store, error) {
	switch cfg.Type {
	case "memory":
		return credMemory.New(), nil
	case "badger":
		return createBadgerCredentialStore(ctx, cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown credential store type: %q", cfg.Type)
	}
}

func createBadgerCredentialStore(ctx context.Context, options map[string]any) (credentials.Store, error) {
	type BadgerCredentialStoreConfig struct {
		DBPath   string `mapstructure:"db_path"`
		InMemory bool   `mapstructure:"in_memory"`
	}

	var storeCfg BadgerCredentialStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger credential store config: %w", err)
	}

	if storeCfg.DBPath == "" && !storeCfg.InMemory {
		return nil, fmt.Errorf("badger credential store: db_path is required")
	}

	store, err := credBadger.New(ctx, credBadger.Config{
		DBPath:   storeCfg.DBPath,
		InMemory: storeCfg.InMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger credential store: %w", err)
	}

	return store, nil
}

// CreateDirectory opens the configured store, wraps it in a Directory and
// registers the seed users that are not present yet.
//
// The returned Directory owns the store; callers close it with Close.
func CreateDirectory(ctx context.Context, cfg *CredentialsConfig) (*credentials.Directory, error) {
	store, err := CreateCredentialStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	dir, err := credentials.NewDirectory(ctx, store, credentials.DirectoryConfig{
		PoolSize:   cfg.PoolSize,
		BcryptCost: cfg.BcryptCost,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load users: %w", err)
	}

	if len(cfg.SeedUsers) > 0 {
		seed := make(map[string]string, len(cfg.SeedUsers))
		for _, u := range cfg.SeedUsers {
			seed[u.Name] = u.Password
		}
		if err := dir.Seed(ctx, seed); err != nil {
			_ = dir.Close(ctx)
			return nil, fmt.Errorf("failed to seed users: %w", err)
		}
	}

	logger.Info("Credential store ready: type=%s, users=%d", cfg.Type, dir.Len())
	return dir, nil
}

// CreateWebAdapter builds the HTTP adapter from the server and workers
// sections. env must already carry the prepared document root.
func CreateWebAdapter(cfg *Config, env *httpconn.Env, webMetrics metrics.WebMetrics) *web.WebAdapter {
	serverCfg := cfg.Server
	serverCfg.Workers = cfg.Workers.Count
	serverCfg.MaxRequests = cfg.Workers.MaxRequests
	return web.New(serverCfg, env, webMetrics)
}
