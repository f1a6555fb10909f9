// Package s3 provides an S3-compatible object storage driver.
//
// Directories are virtual: a directory exists when at least one key lives
// under its prefix, or when an explicit "dir/" marker object was written
// by Mkdir.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/poolgate/internal/logging"
	"github.com/fruitsalade/poolgate/internal/metrics"
	"github.com/fruitsalade/poolgate/internal/storage"
)

const (
	kind = string(storage.KindObject)

	// deleteBatch is the DeleteObjects request limit.
	deleteBatch = 1000
)

// Config is the JSON-serializable config for object storage pools.
type Config struct {
	Endpoint     string `json:"endpoint,omitempty"`
	Bucket       string `json:"bucket"`
	AccessKey    string `json:"access_key"`
	SecretKey    string `json:"secret_key"`
	Region       string `json:"region"`
	Prefix       string `json:"prefix,omitempty"`
	UsePathStyle *bool  `json:"use_path_style,omitempty"`
}

// Validate checks that every required key is present.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Bucket) == "" {
		missing = append(missing, "bucket")
	}
	if c.AccessKey == "" {
		missing = append(missing, "access_key")
	}
	if c.SecretKey == "" {
		missing = append(missing, "secret_key")
	}
	if strings.TrimSpace(c.Region) == "" {
		missing = append(missing, "region")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: object: missing %s", storage.ErrInvalidConfig, strings.Join(missing, ", "))
	}
	if c.Endpoint != "" {
		if _, err := url.Parse(endpointURL(c.Endpoint)); err != nil {
			return fmt.Errorf("%w: object: endpoint: %v", storage.ErrInvalidConfig, err)
		}
	}
	return nil
}

// pathStyle defaults to true when a custom endpoint is set (MinIO and
// friends rarely serve virtual-hosted buckets).
func (c Config) pathStyle() bool {
	if c.UsePathStyle != nil {
		return *c.UsePathStyle
	}
	return c.Endpoint != ""
}

func endpointURL(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}

// Option tweaks the underlying S3 client.
type Option func(*s3.Options)

// WithMaxAttempts sets the SDK retry budget per request.
func WithMaxAttempts(n int) Option {
	return func(o *s3.Options) { o.RetryMaxAttempts = n }
}

// Driver implements storage.Driver on an S3 bucket.
type Driver struct {
	client *s3.Client
	bucket string
	prefix string // without surrounding slashes; "" means bucket root
}

// New creates an object storage driver. It performs no network I/O.
func New(ctx context.Context, cfg Config, opts ...Option) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", storage.ErrInvalidConfig, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint))
		}
		o.UsePathStyle = cfg.pathStyle()
		// S3-compatible servers often reject flexible checksum trailers.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		for _, opt := range opts {
			opt(o)
		}
	})

	return &Driver{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ParseConfig decodes and validates a raw JSON config.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse object config: %v", storage.ErrInvalidConfig, err)
	}
	return cfg, cfg.Validate()
}

// NewFromJSON creates a Driver from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage, opts ...Option) (*Driver, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

// Kind returns storage.KindObject.
func (d *Driver) Kind() storage.Kind { return storage.KindObject }

// Bucket returns the bucket name.
func (d *Driver) Bucket() string { return d.bucket }

// Close is a no-op for object storage drivers.
func (d *Driver) Close() error { return nil }

// objectKey maps a cleaned pool path to its object key.
func (d *Driver) objectKey(clean string) string {
	switch {
	case d.prefix == "":
		return clean
	case clean == "":
		return d.prefix
	default:
		return d.prefix + "/" + clean
	}
}

// dirPrefix maps a cleaned directory path to the key prefix of its children.
func (d *Driver) dirPrefix(clean string) string {
	k := d.objectKey(clean)
	if k == "" {
		return ""
	}
	return k + "/"
}

func (d *Driver) copySource(key string) string {
	return (&url.URL{Path: d.bucket + "/" + key}).EscapedPath()
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, key, storage.ErrBackendUnavailable, err)
}

// List returns the immediate children of a virtual directory.
func (d *Driver) List(ctx context.Context, p string) (entries []storage.Entry, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "list", start, err) }(time.Now())

	clean, err := storage.CleanPath(p)
	if err != nil {
		return nil, err
	}
	prefix := d.dirPrefix(clean)

	entries = []storage.Entry{}
	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, unavailable("list", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			entries = append(entries, storage.NewEntry(storage.JoinPath(clean, name), 0, true, time.Time{}))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				// Directory marker
				continue
			}
			name := strings.TrimPrefix(key, prefix)
			entries = append(entries, storage.NewEntry(
				storage.JoinPath(clean, name),
				aws.ToInt64(obj.Size), false, aws.ToTime(obj.LastModified),
			))
		}
	}
	return entries, nil
}

// Stat returns the entry at p, nil when neither an object nor a directory
// prefix exists there.
func (d *Driver) Stat(ctx context.Context, p string) (entry *storage.Entry, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "stat", start, err) }(time.Now())

	clean, err := storage.CleanPath(p)
	if err != nil {
		return nil, err
	}
	return d.stat(ctx, clean)
}

func (d *Driver) stat(ctx context.Context, clean string) (*storage.Entry, error) {
	if clean == "" {
		e := storage.NewEntry("", 0, true, time.Time{})
		return &e, nil
	}

	key := d.objectKey(clean)
	head, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		e := storage.NewEntry(clean, aws.ToInt64(head.ContentLength), false, aws.ToTime(head.LastModified))
		return &e, nil
	}
	if !isNotFound(err) {
		return nil, unavailable("head", key, err)
	}

	isDir, err := d.prefixExists(ctx, d.dirPrefix(clean))
	if err != nil {
		return nil, err
	}
	if !isDir {
		return nil, nil
	}
	e := storage.NewEntry(clean, 0, true, time.Time{})
	return &e, nil
}

func (d *Driver) prefixExists(ctx context.Context, prefix string) (bool, error) {
	out, err := d.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, unavailable("list", prefix, err)
	}
	return len(out.Contents) > 0, nil
}

// Put uploads body to p. Bodies that cannot seek, or whose size is unknown,
// are buffered so the request carries an exact content length.
func (d *Driver) Put(ctx context.Context, p string, body io.Reader, size int64) (entry *storage.Entry, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "put", start, err) }(time.Now())

	clean, err := storage.CleanPath(p)
	if err != nil {
		return nil, err
	}
	if clean == "" {
		return nil, fmt.Errorf("%w: cannot write to the pool root", storage.ErrInvalidPath)
	}

	rs, ok := body.(io.ReadSeeker)
	if !ok || size < 0 {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("put %s: read body: %w", clean, err)
		}
		rs, size = bytes.NewReader(data), int64(len(data))
	}

	key := d.objectKey(clean)
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          rs,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(storage.MimeType(clean)),
	})
	if err != nil {
		return nil, unavailable("put", key, err)
	}

	metrics.RecordBytesWritten(kind, size)
	logging.Debug("object put", zap.String("key", key), zap.Int64("size", size))

	e := storage.NewEntry(clean, size, false, time.Now())
	return &e, nil
}

// Get streams the object at p.
func (d *Driver) Get(ctx context.Context, p string) (rc io.ReadCloser, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "get", start, err) }(time.Now())

	clean, err := storage.CleanPath(p)
	if err != nil {
		return nil, err
	}
	key := d.objectKey(clean)
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("get %s: %w", clean, storage.ErrNotFound)
		}
		return nil, unavailable("get", key, err)
	}
	return out.Body, nil
}

// Delete removes the object at p together with everything under p/.
func (d *Driver) Delete(ctx context.Context, p string) (deleted bool, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "delete", start, err) }(time.Now())

	clean, err := storage.CleanPath(p)
	if err != nil {
		return false, err
	}
	if clean == "" {
		return false, fmt.Errorf("%w: cannot delete the pool root", storage.ErrInvalidPath)
	}
	return d.delete(ctx, clean)
}

func (d *Driver) delete(ctx context.Context, clean string) (bool, error) {
	key := d.objectKey(clean)
	keys, err := d.listKeys(ctx, d.dirPrefix(clean))
	if err != nil {
		return false, err
	}

	_, err = d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		keys = append(keys, key)
	case !isNotFound(err):
		return false, unavailable("head", key, err)
	}

	if len(keys) == 0 {
		return false, nil
	}
	if err := d.deleteKeys(ctx, keys); err != nil {
		return false, err
	}
	logging.Debug("object delete", zap.String("key", key), zap.Int("objects", len(keys)))
	return true, nil
}

// listKeys returns every key under prefix, recursively.
func (d *Driver) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, unavailable("list", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (d *Driver) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := d.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(d.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return unavailable("delete", keys[start], err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("delete %s: %w: %s: %s", aws.ToString(first.Key),
				storage.ErrBackendUnavailable, aws.ToString(first.Code), aws.ToString(first.Message))
		}
	}
	return nil
}

// Mkdir writes a directory marker object. The pool root always exists.
func (d *Driver) Mkdir(ctx context.Context, p string) (created bool, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "mkdir", start, err) }(time.Now())

	clean, err := storage.CleanPath(p)
	if err != nil {
		return false, err
	}
	existing, err := d.stat(ctx, clean)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	marker := d.dirPrefix(clean)
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(marker),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return false, unavailable("mkdir", marker, err)
	}
	return true, nil
}

// Copy duplicates src at dst using server-side copies, one per object.
func (d *Driver) Copy(ctx context.Context, src, dst string) (copied bool, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "copy", start, err) }(time.Now())

	srcClean, dstClean, err := cleanPair(src, dst)
	if err != nil {
		return false, err
	}
	return d.copy(ctx, srcClean, dstClean)
}

func (d *Driver) copy(ctx context.Context, src, dst string) (bool, error) {
	entry, err := d.stat(ctx, src)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	// A key may be both an object and a prefix, so files are checked too.
	if storage.IsWithin(dst, src) {
		return false, fmt.Errorf("%w: cannot copy %s into itself", storage.ErrInvalidPath, src)
	}

	if !entry.IsDir {
		if err := d.copyObject(ctx, d.objectKey(src), d.objectKey(dst)); err != nil {
			return false, err
		}
		return true, nil
	}

	srcPrefix, dstPrefix := d.dirPrefix(src), d.dirPrefix(dst)
	keys, err := d.listKeys(ctx, srcPrefix)
	if err != nil {
		return false, err
	}
	for i, k := range keys {
		if err := d.copyObject(ctx, k, dstPrefix+strings.TrimPrefix(k, srcPrefix)); err != nil {
			if i > 0 {
				return false, fmt.Errorf("copy %s: %d of %d objects copied: %w: %w",
					src, i, len(keys), storage.ErrPartialFailure, err)
			}
			return false, err
		}
	}
	return true, nil
}

func (d *Driver) copyObject(ctx context.Context, srcKey, dstKey string) error {
	_, err := d.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(d.copySource(srcKey)),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("copy %s: %w", srcKey, storage.ErrNotFound)
		}
		return unavailable("copy", srcKey, err)
	}
	logging.Debug("object copy", zap.String("src", srcKey), zap.String("dst", dstKey))
	return nil
}

// Move copies src to dst and then deletes src. When the delete fails the
// data exists at both paths and the error wraps storage.ErrPartialFailure.
func (d *Driver) Move(ctx context.Context, src, dst string) (moved bool, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "move", start, err) }(time.Now())

	srcClean, dstClean, err := cleanPair(src, dst)
	if err != nil {
		return false, err
	}
	if srcClean == dstClean {
		entry, err := d.stat(ctx, srcClean)
		return entry != nil, err
	}

	ok, err := d.copy(ctx, srcClean, dstClean)
	if err != nil || !ok {
		return ok, err
	}
	if _, err := d.delete(ctx, srcClean); err != nil {
		return false, fmt.Errorf("move %s -> %s: copied but source not removed: %w: %w",
			srcClean, dstClean, storage.ErrPartialFailure, err)
	}
	return true, nil
}

func cleanPair(src, dst string) (string, string, error) {
	srcClean, err := storage.CleanPath(src)
	if err != nil {
		return "", "", err
	}
	dstClean, err := storage.CleanPath(dst)
	if err != nil {
		return "", "", err
	}
	if srcClean == "" || dstClean == "" {
		return "", "", fmt.Errorf("%w: the pool root cannot be moved or overwritten", storage.ErrInvalidPath)
	}
	return srcClean, dstClean, nil
}
