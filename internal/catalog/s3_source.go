package catalog

import (
	"context"
	"fmt"

	"dnsbypass/internal/config"
	"dnsbypass/internal/utils"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// ObjectGetter is the subset of the S3 client used by S3Source
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads a catalog document from an S3 object. The document is YAML
// (JSON is accepted as a subset) holding either a list of servers or a
// mapping with a "servers" key.
type S3Source struct {
	client ObjectGetter
	bucket string
	key    string
}

// NewS3Source creates an S3 source using the most secure credentials available
func NewS3Source(ctx context.Context, cfg *config.S3Config) (*S3Source, error) {
	creds, err := config.GetAWSCredentials(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to get AWS credentials: %v", err)
	}

	var awsCfg aws.Config
	switch creds.Source {
	case config.CredentialSourceEnvironment, config.CredentialSourceConfig:
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				creds.AccessKeyID,
				creds.SecretAccessKey,
				"",
			)),
		)
	default:
		// Default credential chain (IAM role, shared profile)
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %v", err)
	}

	logrus.Infof("Using AWS credentials from: %s", creds.Source)

	return NewS3SourceWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Key), nil
}

// NewS3SourceWithClient creates a source around an existing client
func NewS3SourceWithClient(client ObjectGetter, bucket, key string) *S3Source {
	return &S3Source{client: client, bucket: bucket, key: key}
}

func (s *S3Source) Name() string {
	return "s3"
}

func (s *S3Source) Fetch(ctx context.Context) ([]RemoteServer, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog from S3: %v", err)
	}
	defer resp.Body.Close()

	data, err := utils.ReadAllLimited(resp.Body, utils.MaxCatalogSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %v", err)
	}

	return parseDocument(data)
}

// parseDocument accepts a bare list or {servers: [...]}
func parseDocument(data []byte) ([]RemoteServer, error) {
	var list []RemoteServer
	if err := utils.SafeYAMLUnmarshal(data, &list, utils.MaxCatalogSize); err == nil {
		return list, nil
	}

	var doc struct {
		Servers []RemoteServer `yaml:"servers"`
	}
	if err := utils.SafeYAMLUnmarshal(data, &doc, utils.MaxCatalogSize); err != nil {
		return nil, fmt.Errorf("malformed catalog document: %v", err)
	}
	return doc.Servers, nil
}
