// Package archive copies cached message bodies into an S3 compatible bucket.
// Objects that already exist are left alone, so repeated runs only upload
// bodies that arrived since the previous one.
package archive

import (
	"bytes"
	"context"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"aaronromeo.com/himalayacache/internal/cache"
	"aaronromeo.com/himalayacache/internal/config"
	"aaronromeo.com/himalayacache/pkg/base"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
)

const contentType = "message/rfc822"

type Archiver struct {
	client s3iface.S3API
	store  *cache.Store
	logger *slog.Logger
	bucket string
	prefix string
}

type ArchiverOption func(*Archiver) error

func New(opts ...ArchiverOption) (*Archiver, error) {
	var a Archiver
	for _, opt := range opts {
		if err := opt(&a); err != nil {
			return nil, err
		}
	}

	if a.client == nil {
		return nil, errors.New("requires s3 client")
	}

	if a.store == nil {
		return nil, errors.New("requires cache store")
	}

	if a.logger == nil {
		return nil, errors.New("requires slogger")
	}

	if a.bucket == "" {
		return nil, errors.New("requires bucket")
	}

	return &a, nil
}

func WithClient(client s3iface.S3API) ArchiverOption {
	return func(a *Archiver) error {
		a.client = client
		return nil
	}
}

func WithStore(store *cache.Store) ArchiverOption {
	return func(a *Archiver) error {
		a.store = store
		return nil
	}
}

func WithLogger(logger *slog.Logger) ArchiverOption {
	return func(a *Archiver) error {
		a.logger = logger
		return nil
	}
}

func WithBucket(bucket, prefix string) ArchiverOption {
	return func(a *Archiver) error {
		a.bucket = bucket
		a.prefix = strings.Trim(prefix, "/")
		return nil
	}
}

// NewS3Client builds a client for the configured endpoint with static
// credentials.
func NewS3Client(s config.Settings) (s3iface.S3API, error) {
	if err := s.ValidateArchive(); err != nil {
		return nil, err
	}

	awsCfg := &aws.Config{
		Region:      aws.String(s.S3Region),
		Credentials: credentials.NewStaticCredentials(s.S3Key, s.S3Secret, ""),
	}
	if s.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(s.S3Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating s3 session")
	}
	return s3.New(sess), nil
}

type Failure struct {
	Path string
	Err  error
}

type Result struct {
	Uploaded int
	Skipped  int
	Failures []Failure
}

// Run uploads every cached body under the given account and folder. Empty
// values widen the walk to all accounts or all folders.
func (a *Archiver) Run(ctx context.Context, account, folder string) (Result, error) {
	var result Result
	if folder != "" && account == "" {
		return result, &base.InvalidScopeError{Folder: folder}
	}
	if account != "" {
		if err := cache.CheckName("account", account, false); err != nil {
			return result, err
		}
	}
	if folder != "" {
		if err := cache.CheckName("folder", folder, true); err != nil {
			return result, err
		}
	}

	root := filepath.Join(a.store.Root(), base.MessagesDir)
	start := root
	switch {
	case folder != "":
		start = a.store.MessagesDir(account, folder)
	case account != "":
		start = filepath.Join(root, account)
	}

	err := a.walk(ctx, start, func(p string) error {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := a.key(rel)

		uploaded, err := a.upload(ctx, p, key)
		switch {
		case err != nil:
			result.Failures = append(result.Failures, Failure{Path: p, Err: err})
			a.logger.WarnContext(ctx, "Failed to archive message",
				slog.String("path", p),
				slog.String("key", key),
				slog.Any("error", err),
			)
		case uploaded:
			result.Uploaded++
		default:
			result.Skipped++
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	a.logger.InfoContext(ctx, "Archive complete",
		slog.String("bucket", a.bucket),
		slog.Int("uploaded", result.Uploaded),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", len(result.Failures)),
	)
	return result, nil
}

// walk visits every message body below dir in name order.
func (a *Archiver) walk(ctx context.Context, dir string, fn func(path string) error) error {
	entries, err := a.store.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := a.walk(ctx, p, fn); err != nil {
				return err
			}
			continue
		}
		if filepath.Ext(p) != base.MessageExt {
			continue
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archiver) key(rel string) string {
	key := filepath.ToSlash(rel)
	if a.prefix != "" {
		key = path.Join(a.prefix, key)
	}
	return key
}

func (a *Archiver) upload(ctx context.Context, p, key string) (bool, error) {
	exists, err := a.exists(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	data, err := a.store.ReadBytes(p)
	if err != nil {
		return false, err
	}

	_, err = a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return false, errors.Wrapf(err, "uploading %s", key)
	}
	return true, nil
}

func (a *Archiver) exists(ctx context.Context, key string) (bool, error) {
	_, err := a.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey) {
		return false, nil
	}
	return false, errors.Wrapf(err, "checking %s", key)
}
