// Package storage exports ATT&CK Navigator layers to S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"ruleforge-lab/internal/config"
	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/internal/domain/services/coverage"
	"ruleforge-lab/pkg/logger"
)

// ObjectPutter is the subset of the S3 API the exporter uses
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// LayerExporter writes Navigator layers for analyzed libraries. Each export stores a
// timestamped object plus a latest.json alias under libraries/<library_id>/.
type LayerExporter struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *logger.Logger
}

// ExportOutput describes a stored layer
type ExportOutput struct {
	Key       string `json:"key"`
	LatestKey string `json:"latest_key"`
	ETag      string `json:"etag,omitempty"`
	Location  string `json:"location"`
	Size      int64  `json:"size"`
}

// NewS3Client builds an S3 client from export configuration
func NewS3Client(ctx context.Context, cfg config.ExportConfig) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// NewLayerExporter creates a new exporter
func NewLayerExporter(client ObjectPutter, bucket, prefix string, log *logger.Logger) *LayerExporter {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &LayerExporter{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: log.WithComponent("layer-exporter"),
	}
}

// LayerKey returns the object key of a layer snapshot
func (e *LayerExporter) LayerKey(libraryID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("%slibraries/%s/%s.json", e.prefix, libraryID, at.UTC().Format("20060102T150405Z"))
}

// LatestKey returns the object key of a library's most recent layer
func (e *LayerExporter) LatestKey(libraryID uuid.UUID) string {
	return fmt.Sprintf("%slibraries/%s/latest.json", e.prefix, libraryID)
}

// Export stores a Navigator layer for the result
func (e *LayerExporter) Export(ctx context.Context, result *models.LibraryCoverageResult) (*ExportOutput, error) {
	layer := coverage.BuildNavigatorLayer(fmt.Sprintf("Library %s coverage", result.LibraryID), result)
	data, err := json.MarshalIndent(layer, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal navigator layer: %w", err)
	}

	at := result.AnalyzedAt
	if at.IsZero() {
		at = time.Now()
	}
	key := e.LayerKey(result.LibraryID, at)
	latest := e.LatestKey(result.LibraryID)

	metadata := map[string]string{
		"library-id":       result.LibraryID.String(),
		"overall-coverage": fmt.Sprintf("%.2f", result.OverallCoverage),
	}

	var etag string
	for _, k := range []string{key, latest} {
		out, err := e.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(e.bucket),
			Key:         aws.String(k),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
			Metadata:    metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: failed to upload object %s: %w", k, err)
		}
		if k == key {
			etag = aws.ToString(out.ETag)
		}
	}

	e.logger.Debug().
		Str("key", key).
		Int("size", len(data)).
		Str("library_id", result.LibraryID.String()).
		Msg("navigator layer exported")

	return &ExportOutput{
		Key:       key,
		LatestKey: latest,
		ETag:      etag,
		Location:  fmt.Sprintf("s3://%s/%s", e.bucket, key),
		Size:      int64(len(data)),
	}, nil
}

// DetectionAnalyzed is a no-op; layers are exported per library
func (e *LayerExporter) DetectionAnalyzed(ctx context.Context, detection *models.Detection, result *models.DetectionCoverageResult) error {
	return nil
}

// LibraryAnalyzed exports the library's layer
func (e *LayerExporter) LibraryAnalyzed(ctx context.Context, result *models.LibraryCoverageResult) error {
	_, err := e.Export(ctx, result)
	return err
}
