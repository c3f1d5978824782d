// Package s3stage uploads spool files to S3 so a warehouse can ingest
// them with its own bulk load statement. The stage itself only stores
// the file; the statement that folds it into a table runs through the
// OnStaged hook, which receives the object's s3:// URL.
package s3stage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/starsetlabs/starload/pkg/warehouse"
)

// Client is the part of the S3 API the stage uses.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewClient builds an S3 client from the ambient AWS configuration. An
// empty region keeps whatever the environment resolves.
func NewClient(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

type Config struct {
	// Bucket receives the staged spool files. Required.
	Bucket string
	// Prefix is prepended to every object key. Objects are written under
	// Prefix/<table>/<uuid>.
	Prefix string
	// ContentType is set on the uploaded objects. Defaults to text/csv.
	ContentType string
	// OnStaged runs after each upload, for example to issue the
	// warehouse's COPY or LOAD statement against the staged object.
	// Without it the stage only uploads.
	OnStaged func(ctx context.Context, url string, load *warehouse.BulkLoad) error
}

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("%w: a bucket is required", warehouse.ErrConfig)
	}
	if c.ContentType == "" {
		c.ContentType = "text/csv"
	}
	return nil
}

// Stage uploads spool files to one bucket.
type Stage struct {
	log    *slog.Logger
	cfg    *Config
	client Client
}

func New(log *slog.Logger, client Client, cfg *Config) (*Stage, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: an s3 client is required", warehouse.ErrConfig)
	}
	return &Stage{log: log, cfg: cfg, client: client}, nil
}

// Loader returns a BulkLoader that uploads each spool file and then runs
// the OnStaged hook.
func (s *Stage) Loader() warehouse.BulkLoader {
	return func(ctx context.Context, load *warehouse.BulkLoad) error {
		var body io.Reader
		if load.File != nil {
			body = load.File
		} else {
			f, err := os.Open(load.Filename)
			if err != nil {
				return fmt.Errorf("failed to open spool file for %s: %w", load.Table, err)
			}
			defer f.Close()
			body = f
		}
		key := path.Join(s.cfg.Prefix, load.Table, uuid.NewString())
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.cfg.Bucket),
			Key:         aws.String(key),
			Body:        body,
			ContentType: aws.String(s.cfg.ContentType),
			Metadata: map[string]string{
				"table":      load.Table,
				"attributes": strings.Join(load.Atts, ","),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to stage spool for %s: %w", load.Table, err)
		}
		url := "s3://" + s.cfg.Bucket + "/" + key
		s.log.Debug("staged spool file", "table", load.Table, "url", url)
		if s.cfg.OnStaged == nil {
			return nil
		}
		if err := s.cfg.OnStaged(ctx, url, load); err != nil {
			return fmt.Errorf("failed to load staged spool for %s: %w", load.Table, err)
		}
		return nil
	}
}
