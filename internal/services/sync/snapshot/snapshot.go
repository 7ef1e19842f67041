// Package snapshot packs the documents archived by one entity run and uploads
// them to S3.
package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/louisbranch/matchsync/internal/platform/logging"
	"github.com/louisbranch/matchsync/internal/platform/timeouts"
	"github.com/louisbranch/matchsync/internal/services/sync/docstore"
	"go.uber.org/zap"
)

// DefaultPrefix is the key prefix snapshots are written under.
const DefaultPrefix = "runs"

// PutObjectAPI is the slice of the S3 client the uploader needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config selects the snapshot destination.
type Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the S3 endpoint, for S3-compatible stores.
	Endpoint       string
	ForcePathStyle bool
	Logger         *zap.Logger
}

// Uploader writes run snapshots to one bucket.
type Uploader struct {
	client PutObjectAPI
	docs   *docstore.Store
	bucket string
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewS3 builds an uploader backed by an S3 client from the default AWS
// credential chain.
func NewS3(ctx context.Context, cfg Config, docs *docstore.Store) (*Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region := strings.TrimSpace(cfg.Region); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return New(client, cfg, docs)
}

// New builds an uploader around client.
func New(client PutObjectAPI, cfg Config, docs *docstore.Store) (*Uploader, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if docs == nil {
		return nil, fmt.Errorf("document store is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("snapshot bucket is required")
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Uploader{
		client: client,
		docs:   docs,
		bucket: bucket,
		prefix: prefix,
		logger: logging.OrNop(cfg.Logger),
		now:    time.Now,
	}, nil
}

// Key returns the object key of a run snapshot.
func (u *Uploader) Key(entity, runID string) string {
	return path.Join(u.prefix, entity, runID+".tar.gz")
}

// Upload packs archived into a gzip tarball and stores it under Key. Nothing
// is uploaded when archived is empty; the returned key is then empty.
func (u *Uploader) Upload(ctx context.Context, entity, runID string, archived []docstore.Document) (string, error) {
	if len(archived) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	if err := Pack(ctx, u.docs, archived, &buf, u.now()); err != nil {
		return "", err
	}

	key := u.Key(entity, runID)
	ctx, cancel := context.WithTimeout(ctx, timeouts.SnapshotUpload)
	defer cancel()
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String("application/gzip"),
		ContentLength: aws.Int64(int64(buf.Len())),
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot s3://%s/%s: %w", u.bucket, key, err)
	}
	u.logger.Info("snapshot uploaded",
		zap.String("entity", entity),
		zap.String("bucket", u.bucket),
		zap.String("key", key),
		zap.Int("documents", len(archived)),
		zap.Int("bytes", buf.Len()),
	)
	return key, nil
}

// Pack writes the processed copies of docs to w as a gzip tarball. Entries
// are named by their document path.
func Pack(ctx context.Context, docs *docstore.Store, archived []docstore.Document, w io.Writer, modTime time.Time) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	for _, doc := range archived {
		body, err := docs.ReadProcessed(ctx, doc)
		if err != nil {
			return err
		}
		header := &tar.Header{
			Name:    path.Join(doc.Subdir, doc.Name+".json"),
			Mode:    0o644,
			Size:    int64(len(body)),
			ModTime: modTime.UTC(),
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header %s: %w", header.Name, err)
		}
		if _, err := tw.Write(body); err != nil {
			return fmt.Errorf("write tar entry %s: %w", header.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}
