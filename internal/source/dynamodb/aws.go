// Package dynamodb adapts DynamoDB Streams and DynamoDB export-to-S3 to the
// stream and export interfaces of the pipeline.
package dynamodb

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/config"
	"github.com/mehmetymw/ddb2search/internal/types"
)

// Clients bundles the service clients built from one credential handle.
type Clients struct {
	Config   aws.Config
	DynamoDB *dynamodb.Client
	Streams  *dynamodbstreams.Client
	endpoint string
}

// LoadClients resolves credentials from the default chain and, when a role
// is configured, assumes it. The pipeline never manages policy itself; it
// only consumes the resulting credential handle.
func LoadClients(ctx context.Context, cfg config.AWSConfig, logger *zap.Logger) (*Clients, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, err
	}
	if cfg.StsRoleArn != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), cfg.StsRoleArn, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "ddb2search"
		})
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
		logger.Info("Assuming role for AWS access", zap.String("role_arn", cfg.StsRoleArn))
	}
	c := &Clients{Config: awsCfg, endpoint: cfg.Endpoint}
	c.DynamoDB = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	c.Streams = dynamodbstreams.NewFromConfig(awsCfg, func(o *dynamodbstreams.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return c, nil
}

// S3 returns a client for region, which may differ from the table's.
func (c *Clients) S3(region string) *s3.Client {
	return s3.NewFromConfig(c.Config, func(o *s3.Options) {
		if region != "" {
			o.Region = region
		}
		if c.endpoint != "" {
			o.BaseEndpoint = aws.String(c.endpoint)
			o.UsePathStyle = true
		}
	})
}

// classify maps AWS errors onto the pipeline's error taxonomy: throttling
// and server faults are transient, client faults are not.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "LimitExceededException", "ProvisionedThroughputExceededException",
			"RequestLimitExceeded", "SlowDown", "InternalServerError":
			return types.Transient(err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return types.Transient(err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Transport failures reach here without an API error code.
	return types.Transient(err)
}
