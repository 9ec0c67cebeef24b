// Package uploader writes chunk and manifest bytes to S3-compatible object
// storage, transparently switching to multipart upload above a configurable
// threshold and retrying transient part failures with backoff.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ValXp/btrfs-to-s3/internal/logger"
	"github.com/ValXp/btrfs-to-s3/pkg/metrics"
)

const (
	// MinPartSize is S3's minimum multipart part size (the final part is
	// exempt).
	MinPartSize = 5 * 1024 * 1024
	// MaxPartSize is S3's maximum multipart part size.
	MaxPartSize = 5 * 1024 * 1024 * 1024
)

// RetryPolicy controls part-upload retry behavior: exponential backoff,
// capped at MaxDelay, plus a flat additive jitter term.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Sleep       func(time.Duration)
	Jitter      func(time.Duration) time.Duration
}

// DefaultRetryPolicy matches the historical defaults: 5 attempts, 1s base
// delay, 30s cap, jitter = delay + uniform(0, 500ms).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Sleep:       time.Sleep,
		Jitter: func(delay time.Duration) time.Duration {
			return delay + time.Duration(rand.Float64()*float64(500*time.Millisecond))
		},
	}
}

func (p RetryPolicy) delayFor(attempt int) time.Duration {
	delay := p.BaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return p.Jitter(delay)
}

// Config describes one Uploader's behavior. Callers supply object keys per
// call; Config only holds the parameters shared across an invocation.
type Config struct {
	Bucket              string
	StorageClass        types.StorageClass
	SSE                 types.ServerSideEncryption
	PartSize            int64
	MultipartThreshold  int64
	Concurrency         int
	SpoolDir            string // empty disables spooling
	SpoolSizeBytes      int64
	Retry               RetryPolicy
	Metrics             *metrics.Metrics
}

// clampPartSize caps PartSize at MaxPartSize, matching S3's own multipart
// part-size ceiling rather than rejecting an oversized request.
func (c *Config) clampPartSize() {
	if c.PartSize > MaxPartSize {
		c.PartSize = MaxPartSize
	}
}

func (c Config) validate() error {
	if c.PartSize < MinPartSize {
		return fmt.Errorf("uploader: part_size must be >= %d bytes", MinPartSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("uploader: concurrency must be >= 1")
	}
	if c.SpoolDir != "" && c.SpoolSizeBytes < MinPartSize {
		return fmt.Errorf("uploader: spool_size_bytes must be >= %d bytes", MinPartSize)
	}
	return nil
}

// Client is the minimal S3 surface the Uploader depends on.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Result describes a completed upload.
type Result struct {
	Key  string
	Size int64
	ETag *string
}

// Uploader writes bytes under Config's bucket/storage-class/SSE policy.
type Uploader struct {
	client Client
	cfg    Config
}

// New constructs an Uploader. Returns an error if cfg is out of bounds.
func New(client Client, cfg Config) (*Uploader, error) {
	cfg.clampPartSize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Uploader{client: client, cfg: cfg}, nil
}

// UploadBytes uploads data under key, choosing single-put or multipart based
// on MultipartThreshold.
func (u *Uploader) UploadBytes(ctx context.Context, key string, data []byte) (Result, error) {
	if int64(len(data)) < u.cfg.MultipartThreshold {
		return u.putObject(ctx, key, data)
	}
	return u.multipartUpload(ctx, key, newByteReader(data))
}

// UploadStream uploads everything read from r under key. It peeks
// threshold+1 bytes to decide between a single put and multipart without
// buffering the whole stream.
func (u *Uploader) UploadStream(ctx context.Context, key string, r io.Reader) (Result, error) {
	peek := make([]byte, u.cfg.MultipartThreshold+1)
	n, err := io.ReadFull(r, peek)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Result{}, fmt.Errorf("uploader: read stream: %w", err)
	}
	if int64(n) < u.cfg.MultipartThreshold {
		return u.putObject(ctx, key, peek[:n])
	}
	return u.multipartUpload(ctx, key, io.MultiReader(newByteReader(peek[:n]), r))
}

func (u *Uploader) putObject(ctx context.Context, key string, data []byte) (Result, error) {
	out, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(u.cfg.Bucket),
		Key:                  aws.String(key),
		Body:                 newByteReader(data),
		StorageClass:         u.cfg.StorageClass,
		ServerSideEncryption: u.cfg.SSE,
		ContentType:          aws.String("application/octet-stream"),
	})
	if err != nil {
		return Result{}, fmt.Errorf("uploader: put object %s: %w", key, err)
	}
	return Result{Key: key, Size: int64(len(data)), ETag: out.ETag}, nil
}

type partResult struct {
	partNumber int32
	etag       *string
	spoolPath  string
	err        error
}

// multipartUpload reads parts of cfg.PartSize from r, uploads them through a
// worker pool of width Concurrency (further bounded by spool capacity when
// spooling is enabled), and completes or aborts based on outcome.
func (u *Uploader) multipartUpload(ctx context.Context, key string, r io.Reader) (Result, error) {
	u.cfg.Metrics.UploadStarted()
	defer u.cfg.Metrics.UploadFinished()

	created, err := u.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:               aws.String(u.cfg.Bucket),
		Key:                  aws.String(key),
		StorageClass:         u.cfg.StorageClass,
		ServerSideEncryption: u.cfg.SSE,
		ContentType:          aws.String("application/octet-stream"),
	})
	if err != nil {
		return Result{}, fmt.Errorf("uploader: create multipart upload %s: %w", key, err)
	}
	uploadID := aws.ToString(created.UploadId)

	inFlight := u.cfg.Concurrency
	if u.cfg.SpoolDir != "" {
		cap := int(u.cfg.SpoolSizeBytes / u.cfg.PartSize)
		if cap < 1 {
			cap = 1
		}
		if cap < inFlight {
			inFlight = cap
		}
	}
	sem := make(chan struct{}, inFlight)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		results   []partResult
		totalSize int64
		failed    error
		spooled   []string
	)

	partNumber := int32(0)
	for {
		buf := make([]byte, u.cfg.PartSize)
		n, readErr := io.ReadFull(r, buf)
		if n == 0 {
			if readErr == io.EOF {
				break
			}
			if readErr != nil && readErr != io.ErrUnexpectedEOF {
				failed = fmt.Errorf("uploader: read part: %w", readErr)
				break
			}
		}
		buf = buf[:n]
		partNumber++
		totalSize += int64(n)

		spoolPath := ""
		body := buf
		if u.cfg.SpoolDir != "" {
			spoolPath, err = spoolToDisk(u.cfg.SpoolDir, buf)
			if err != nil {
				failed = fmt.Errorf("uploader: spool part %d: %w", partNumber, err)
				break
			}
			mu.Lock()
			spooled = append(spooled, spoolPath)
			mu.Unlock()
			body = nil
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(pn int32, data []byte, path string) {
			defer wg.Done()
			defer func() { <-sem }()

			payload := data
			if path != "" {
				var readErr error
				payload, readErr = os.ReadFile(path)
				if readErr != nil {
					mu.Lock()
					results = append(results, partResult{partNumber: pn, err: readErr, spoolPath: path})
					mu.Unlock()
					return
				}
			}

			etag, err := u.uploadPartWithRetry(ctx, key, uploadID, pn, payload)

			mu.Lock()
			results = append(results, partResult{partNumber: pn, etag: etag, err: err, spoolPath: path})
			mu.Unlock()
		}(partNumber, body, spoolPath)

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil && failed == nil {
			failed = r.err
		}
	}
	for _, path := range spooled {
		os.Remove(path)
	}

	if failed != nil {
		if _, abortErr := u.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(u.cfg.Bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		}); abortErr != nil {
			var noSuchUpload *types.NoSuchUpload
			if !errors.As(abortErr, &noSuchUpload) {
				logger.Error("abort multipart upload failed", logger.Key(key), logger.Err(abortErr))
			}
		}
		return Result{}, fmt.Errorf("uploader: multipart upload %s failed: %w", key, failed)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].partNumber < results[j].partNumber })
	completed := make([]types.CompletedPart, 0, len(results))
	for _, r := range results {
		completed = append(completed, types.CompletedPart{ETag: r.etag, PartNumber: aws.Int32(r.partNumber)})
	}

	if _, err := u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(u.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	}); err != nil {
		return Result{}, fmt.Errorf("uploader: complete multipart upload %s: %w", key, err)
	}

	return Result{Key: key, Size: totalSize}, nil
}

func (u *Uploader) uploadPartWithRetry(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (*string, error) {
	policy := u.cfg.Retry
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		out, err := u.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(u.cfg.Bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			Body:       newByteReader(data),
		})
		if err == nil {
			return out.ETag, nil
		}
		lastErr = err
		u.cfg.Metrics.RecordChunkRetry()
		logger.Warn("part upload failed, retrying",
			logger.Key(key), logger.Attempt(attempt), logger.Err(err))
		if attempt == policy.MaxAttempts {
			break
		}
		policy.Sleep(policy.delayFor(attempt))
	}
	return nil, fmt.Errorf("part %d: retry attempts exhausted: %w", partNumber, lastErr)
}

func spoolToDisk(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, "upload-part-*.tmp")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func newByteReader(b []byte) *bytesReader { return &bytesReader{b: b} }

// bytesReader is a minimal io.ReadSeeker over a byte slice, avoiding a
// dependency on bytes.Reader's wider surface where only Read is needed.
type bytesReader struct {
	b   []byte
	pos int
}

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

func (r *bytesReader) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(r.pos)
	case io.SeekEnd:
		base = int64(len(r.b))
	}
	newPos := base + offset
	if newPos < 0 || newPos > int64(len(r.b)) {
		return 0, fmt.Errorf("bytesReader: seek out of range")
	}
	r.pos = int(newPos)
	return newPos, nil
}
