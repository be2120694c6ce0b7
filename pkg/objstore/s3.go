// Package objstore uploads derived slide artefacts to S3-compatible
// object storage.
package objstore

import (
	"bytes"
	"context"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrConfigMissing means object storage was requested but credentials
// or bucket configuration are absent. The feature stays disabled.
var ErrConfigMissing = errors.New("object storage is not configured")

const (
	defaultUploadConcurrency = 8
	putAttempts              = 3
	putInitialBackoff        = 1 * time.Second
)

// Config identifies the bucket and credentials uploads go to.
type Config struct {
	Provider  string
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Enabled reports whether enough configuration is present to upload.
func (c Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Uploader puts, lists and deletes objects with bounded retry.
type Uploader struct {
	svc         s3iface.S3API
	cfg         Config
	concurrency int
	log         *logrus.Entry
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithConcurrency bounds in-flight uploads during bulk puts.
func WithConcurrency(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.concurrency = n
		}
	}
}

// WithS3API overrides the S3 client, used by tests.
func WithS3API(svc s3iface.S3API) Option {
	return func(u *Uploader) { u.svc = svc }
}

// New returns an Uploader for the configured bucket, or ErrConfigMissing
// when the configuration is incomplete.
func New(cfg Config, log *logrus.Entry, options ...Option) (*Uploader, error) {
	u := &Uploader{cfg: cfg, concurrency: defaultUploadConcurrency, log: log}
	for _, opt := range options {
		opt(u)
	}
	if u.svc != nil {
		return u, nil
	}
	if !cfg.Enabled() {
		return nil, ErrConfigMissing
	}

	awsCfg := &aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed constructing AWS session for object storage")
	}
	u.svc = s3.New(sess)
	return u, nil
}

// Object is one payload to upload.
type Object struct {
	Key          string
	Body         []byte
	ContentType  string
	CacheControl string
}

// Put uploads one object, retrying transient failures with exponential
// backoff (1s, doubling, three attempts in total).
func (u *Uploader) Put(ctx context.Context, obj Object) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = putInitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	attempt := 0
	op := func() error {
		attempt++
		in := &s3.PutObjectInput{
			Bucket: aws.String(u.cfg.Bucket),
			Key:    aws.String(obj.Key),
			Body:   bytes.NewReader(obj.Body),
		}
		if obj.ContentType != "" {
			in.ContentType = aws.String(obj.ContentType)
		}
		if obj.CacheControl != "" {
			in.CacheControl = aws.String(obj.CacheControl)
		}
		_, err := u.svc.PutObjectWithContext(ctx, in)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return backoff.Permanent(errors.Wrapf(err, "permanent failure putting %s", obj.Key))
		}
		if u.log != nil {
			u.log.WithError(err).Warnf("transient failure putting %s (attempt %d/%d)", obj.Key, attempt, putAttempts)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, putAttempts-1), ctx))
	return errors.Wrapf(err, "failed putting %s after %d attempt(s)", obj.Key, attempt)
}

// FileUpload names a local file to upload under a key.
type FileUpload struct {
	Key  string
	Path string
}

// PutFiles uploads the given files with bounded in-flight concurrency.
// onDone, if non-nil, is invoked once per completed upload.
func (u *Uploader) PutFiles(ctx context.Context, files []FileUpload, contentType, cacheControl string, onDone func()) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for _, f := range files {
		f := f
		g.Go(func() error {
			body, err := os.ReadFile(f.Path)
			if err != nil {
				return errors.Wrapf(err, "failed reading %s for upload", f.Path)
			}
			if err := u.Put(ctx, Object{Key: f.Key, Body: body, ContentType: contentType, CacheControl: cacheControl}); err != nil {
				return err
			}
			if onDone != nil {
				onDone()
			}
			return nil
		})
	}
	return g.Wait()
}

// List returns every key under prefix, walking all pages.
func (u *Uploader) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	err := u.svc.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(u.cfg.Bucket),
		Prefix: aws.String(prefix),
	}, func(p *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, o := range p.Contents {
			keys = append(keys, aws.StringValue(o.Key))
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed listing objects under %s", prefix)
	}
	return keys, nil
}

// DeletePrefix removes every object under prefix, in batches of up to
// 1000 (the S3 API limit), returning the number deleted.
func (u *Uploader) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := u.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	for i := 0; i < len(keys); i += 1000 {
		toDel := s3.DeleteObjectsInput{
			Bucket: aws.String(u.cfg.Bucket),
			Delete: &s3.Delete{},
		}
		for j := i; j < i+1000 && j < len(keys); j++ {
			toDel.Delete.Objects = append(toDel.Delete.Objects, &s3.ObjectIdentifier{Key: aws.String(keys[j])})
		}
		if _, err := u.svc.DeleteObjectsWithContext(ctx, &toDel); err != nil {
			return 0, errors.Wrapf(err, "failed deleting objects under %s", prefix)
		}
	}
	return len(keys), nil
}

// Storage reports where uploads land, for inclusion in manifests.
func (u *Uploader) Storage() (provider, bucket, region, endpoint string) {
	provider = u.cfg.Provider
	if provider == "" {
		provider = "s3"
	}
	return provider, u.cfg.Bucket, u.cfg.Region, u.cfg.Endpoint
}

// IsPermanent reports whether an S3 error is not worth retrying:
// client-side misconfiguration rather than service hiccups.
func IsPermanent(err error) bool {
	var rf awserr.RequestFailure
	if errors.As(err, &rf) {
		code := rf.StatusCode()
		return code >= 400 && code < 500 && code != 429
	}
	var ae awserr.Error
	if errors.As(err, &ae) {
		switch ae.Code() {
		case "AccessDenied", "NoSuchBucket", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return true
		}
	}
	return strings.Contains(err.Error(), "MissingRegion")
}
