// Package artifact stores deployment metadata records in S3-compatible
// object storage.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/edvin/edgedeploy/internal/config"
)

// Metadata describes one finished deployment.
type Metadata struct {
	DeploymentID   string    `json:"deploymentId"`
	ProjectID      string    `json:"projectId"`
	OrganizationID string    `json:"organizationId"`
	Template       string    `json:"template"`
	WorkerURL      string    `json:"workerUrl"`
	SandboxID      string    `json:"sandboxId,omitempty"`
	Files          []string  `json:"files"`
	DeployedAt     time.Time `json:"deployedAt"`
}

// Store persists deployment metadata.
type Store interface {
	Put(ctx context.Context, md *Metadata) error
}

// Key returns the object key of a deployment's metadata record.
func Key(projectID, deploymentID string) string {
	return fmt.Sprintf("deployments/%s/%s.json", projectID, deploymentID)
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store writes metadata as JSON objects.
type S3Store struct {
	client objectPutter
	bucket string
	logger zerolog.Logger
}

// New returns an S3Store for cfg, or a NopStore when no bucket is set.
func New(cfg *config.Config, logger zerolog.Logger) Store {
	if cfg.ArtifactBucket == "" {
		return NopStore{}
	}
	opts := s3.Options{
		Region:       cfg.S3Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.S3Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.S3Endpoint)
	}
	return newS3Store(s3.New(opts), cfg.ArtifactBucket, logger)
}

func newS3Store(client objectPutter, bucket string, logger zerolog.Logger) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		logger: logger.With().Str("component", "artifact").Logger(),
	}
}

func (s *S3Store) Put(ctx context.Context, md *Metadata) error {
	body, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal deployment metadata: %w", err)
	}

	key := Key(md.ProjectID, md.DeploymentID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"deployment-id": md.DeploymentID,
			"project-id":    md.ProjectID,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", s.bucket, key, err)
	}
	s.logger.Debug().Str("bucket", s.bucket).Str("key", key).Msg("deployment metadata stored")
	return nil
}

// NopStore discards metadata.
type NopStore struct{}

func (NopStore) Put(context.Context, *Metadata) error { return nil }
