package archive

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/knoboor/pkg/config"
	"github.com/sirupsen/logrus"
)

// DefaultPrefix is used when no key prefix is configured.
const DefaultPrefix = "uploads"

// s3Archiver implements Archiver for S3-compatible storage.
type s3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.ArchiveConfig
	client *s3.Client
}

// Ensure interface compliance.
var _ Archiver = (*s3Archiver)(nil)

// New returns an S3 archiver when archiving is enabled and a no-op one
// otherwise.
func New(log logrus.FieldLogger, cfg *config.ArchiveConfig) Archiver {
	if cfg == nil || !cfg.Enabled {
		return NewNoop()
	}

	return NewS3Archiver(log, cfg)
}

// NewS3Archiver creates an archiver writing to the configured bucket.
func NewS3Archiver(log logrus.FieldLogger, cfg *config.ArchiveConfig) Archiver {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &s3Archiver{
		log:    log.WithField("component", "s3-archive"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}
}

// Preflight verifies S3 connectivity by writing a small test object.
func (a *s3Archiver) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("knoboor write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(".knoboor-write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", a.cfg.Bucket, err)
	}

	return nil
}

// Archive uploads each file as <prefix>/<result id>/<name>.json.
func (a *s3Archiver) Archive(
	ctx context.Context, resultID uint, files map[string][]byte,
) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		key := a.resolveKey(resultID, name)

		a.log.WithFields(logrus.Fields{
			"key":    key,
			"bucket": a.cfg.Bucket,
		}).Debug("Archiving payload")

		if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(files[name]),
			ContentType: aws.String("application/json"),
		}); err != nil {
			return fmt.Errorf("archiving %s: %w", name, err)
		}
	}

	a.log.WithFields(logrus.Fields{
		"files":     len(names),
		"result_id": resultID,
	}).Info("Payloads archived")

	return nil
}

// resolveKey builds the object key of a payload file.
func (a *s3Archiver) resolveKey(resultID uint, name string) string {
	prefix := a.cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return strings.TrimRight(prefix, "/") + "/" +
		strconv.FormatUint(uint64(resultID), 10) + "/" + name + ".json"
}
