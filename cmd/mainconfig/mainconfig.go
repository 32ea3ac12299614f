package mainconfig

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	appconfig "github.com/wolfman30/autoreply/internal/config"
	"github.com/wolfman30/autoreply/internal/worker/inbound"
	"github.com/wolfman30/autoreply/pkg/logging"
)

// LoadEnv reads a local .env file when one exists; missing files are ignored.
func LoadEnv() {
	_ = godotenv.Load()
}

// LoadAWSConfig centralizes AWS SDK initialization so the binaries share the
// same LocalStack/production wiring.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, err
	}

	if endpoint := cfg.AWSEndpointOverride; endpoint != "" {
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				if service != sqs.ServiceID {
					return aws.Endpoint{}, &aws.EndpointNotFoundError{}
				}
				return aws.Endpoint{
					URL:           endpoint,
					PartitionID:   "aws",
					SigningRegion: cfg.AWSRegion,
				}, nil
			},
		)
	}

	return awsCfg, nil
}

// BuildInboundQueue returns the SQS queue for asynchronous ingestion, or an
// in-process queue when USE_MEMORY_QUEUE is set. The in-process queue is only
// drained by a worker running in the same binary.
func BuildInboundQueue(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (inbound.QueueClient, error) {
	if cfg.UseMemoryQueue {
		if logger != nil {
			logger.Warn("using in-memory inbound queue")
		}
		return inbound.NewMemoryQueue(256), nil
	}
	if strings.TrimSpace(cfg.InboundQueueURL) == "" {
		return nil, errors.New("mainconfig: INBOUND_QUEUE_URL is required unless USE_MEMORY_QUEUE is set")
	}
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return inbound.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.InboundQueueURL), nil
}
