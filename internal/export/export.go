// Package export uploads the punishment ledger to S3-compatible storage.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/config"
	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/pkg/clock"
	"github.com/prn-tf/bastion/internal/pkg/crypto"
	"github.com/prn-tf/bastion/internal/repository"
)

// ErrNoBucket indicates the export bucket is not configured.
var ErrNoBucket = errors.New("export bucket is not configured")

// Uploader is the part of the S3 client the exporter uses.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client creates an S3 client for cfg. Static credentials are used when
// configured, otherwise the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg config.ExportConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Result describes an uploaded ledger.
type Result struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Count  int    `json:"count"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Exporter writes every punishment as one JSON line and uploads the result.
type Exporter struct {
	repo     repository.PunishmentRepository
	uploader Uploader
	bucket   string
	prefix   string
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewExporter creates an exporter writing to bucket under prefix.
func NewExporter(repo repository.PunishmentRepository, uploader Uploader, bucket, prefix string, clk clock.Clock, logger zerolog.Logger) *Exporter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Exporter{
		repo:     repo,
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		clock:    clk,
		logger:   logger.With().Str("service", "export").Logger(),
	}
}

// Key returns the object key of a ledger taken at t.
func (e *Exporter) Key(t time.Time) string {
	return path.Join(e.prefix, fmt.Sprintf("punishments-%s.jsonl", t.UTC().Format("20060102T150405Z")))
}

// Export uploads the ledger.
func (e *Exporter) Export(ctx context.Context) (*Result, error) {
	if e.bucket == "" {
		return nil, ErrNoBucket
	}

	var buf bytes.Buffer
	hw := crypto.NewHashWriter(&buf)
	enc := json.NewEncoder(hw)

	count := 0
	err := e.repo.ForEach(ctx, func(p *domain.Punishment) error {
		count++
		return enc.Encode(p)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDurableStore, err)
	}

	result := &Result{
		Bucket: e.bucket,
		Key:    e.Key(e.clock.Now()),
		Count:  count,
		Size:   hw.Size(),
		SHA256: hw.SHA256(),
	}

	_, err = e.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(result.Bucket),
		Key:           aws.String(result.Key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(result.Size),
		ContentType:   aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"sha256":  result.SHA256,
			"records": fmt.Sprint(count),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload ledger: %w", err)
	}

	e.logger.Info().
		Str("bucket", result.Bucket).
		Str("key", result.Key).
		Int("records", count).
		Int64("size", result.Size).
		Msg("ledger exported")

	return result, nil
}
