// Package aws provides an AWS SNS/SQS transport for brokerrpc.
//
// Every topic is an SNS topic. Each consumer group gets its own SQS queue named
// "{topic}_{group}" subscribed to that topic, so members of a group compete for
// envelopes while separate groups each receive a copy. Standard queues do not keep
// order; consumer handles match results by correlation key, so only request order
// is affected.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/brokerrpc/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
	maxQueueNameLength  = 80
)

// Config is implemented by configurations that carry AWS settings. Configurations
// without it fall back to the default AWS credential chain.
type Config interface {
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register registers the AWS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Build creates a new AWS SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	settings, _ := cfg.(Config)

	awsCfg, err := createAWSConfig(ctx, settings, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          awsCfg.Region,
		"custom_endpoint": endpointOf(settings) != "",
	})

	accountID, region := resolveAccountAndRegion(settings, logger, awsCfg.Region)
	topicResolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    region,
		})
		return transport.Transport{}, err
	}

	snsOpts, sqsOpts, err := endpointOptions(settings)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     *awsCfg,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscribers := transport.SubscriberFactoryFunc(func(group string) (message.Subscriber, error) {
		return SubscriberFactory(
			sns.SubscriberConfig{
				AWSConfig:            *awsCfg,
				OptFns:               snsOpts,
				TopicResolver:        topicResolver,
				GenerateSqsQueueName: QueueNameGenerator(group),
			},
			sqs.SubscriberConfig{
				AWSConfig: *awsCfg,
				OptFns:    sqsOpts,
			},
			logger,
		)
	})

	return transport.Transport{
		Publisher:   publisher,
		Subscribers: subscribers,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// QueueNameGenerator names the SQS queue of group for an SNS topic.
func QueueNameGenerator(group string) func(context.Context, sns.TopicArn) (string, error) {
	return func(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		return QueueName(string(topic), group), nil
	}
}

// QueueName returns "{topic}_{group}" with characters SQS rejects replaced, cut to
// the SQS length limit.
func QueueName(topic, group string) string {
	name := topic
	if group != "" {
		name += "_" + group
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
	if len(name) > maxQueueNameLength {
		name = name[:maxQueueNameLength]
	}
	return name
}

func createAWSConfig(ctx context.Context, settings Config, logger watermill.LoggerAdapter) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if settings != nil {
		region := settings.GetAWSRegion()
		accessKey := settings.GetAWSAccessKeyID()
		secretKey := settings.GetAWSSecretAccessKey()

		if region != "" {
			opts = append(opts, awsconfig.WithRegion(region))
		}
		if accessKey != "" && secretKey != "" {
			logger.Info("Using static AWS credentials from config", watermill.LogFields{})
			opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
		}
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{})
		return nil, err
	}

	// Ensure region is set even if the loader ignores options
	if settings != nil && settings.GetAWSRegion() != "" {
		awsCfg.Region = settings.GetAWSRegion()
	}
	return &awsCfg, nil
}

// endpointOptions points both clients at a custom endpoint such as LocalStack.
func endpointOptions(settings Config) ([]func(*amazonsns.Options), []func(*amazonsqs.Options), error) {
	raw := endpointOf(settings)
	if raw == "" {
		return nil, nil, nil
	}
	parsedURL, err := url.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}

	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsedURL},
		}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsedURL},
		}),
	}
	return snsOpts, sqsOpts, nil
}

func resolveAccountAndRegion(settings Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	if settings == nil {
		return "", fallbackRegion
	}

	accountID := strings.Trim(settings.GetAWSAccountID(), "\"' ")
	region := settings.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	if endpointOf(settings) == "" {
		return accountID, region
	}
	if accountID == "" || len(accountID) != awsAccountIDLength {
		logger.Info("AWS account ID missing or invalid; using LocalStack default", watermill.LogFields{"accountID": accountID})
		accountID = localstackAccountID
	}
	return accountID, region
}

func endpointOf(settings Config) string {
	if settings == nil {
		return ""
	}
	return settings.GetAWSEndpoint()
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
