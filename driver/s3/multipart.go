package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gobeaver/cloudvfs"
)

// partLayout returns the part size and count for an upload of size bytes.
// Parts are at least MinPartSize and there are at most MaxParts of them.
func partLayout(size, partSize int64) (int64, int) {
	if partSize < cloudvfs.MinPartSize {
		partSize = cloudvfs.MinPartSize
	}
	if size <= 0 {
		return partSize, 1
	}
	if size > partSize*cloudvfs.MaxParts {
		const mib = 1 << 20
		partSize = (size + cloudvfs.MaxParts - 1) / cloudvfs.MaxParts
		partSize = (partSize + mib - 1) / mib * mib
	}
	return partSize, int((size + partSize - 1) / partSize)
}

// InitMultipart implements cloudvfs.Driver. It starts the upload and signs
// one upload URL per part for the client.
func (d *Driver) InitMultipart(ctx context.Context, t cloudvfs.Target, size, partSize int64) (*cloudvfs.MultipartSession, error) {
	if t.IsDir() || t.IsRoot() {
		return nil, cloudvfs.NewPathError("multipart-init", t.Path(), cloudvfs.ErrBadRequest, "upload target is a directory")
	}
	if size < 0 {
		return nil, cloudvfs.NewPathError("multipart-init", t.Path(), cloudvfs.ErrBadRequest, "size must be known")
	}
	if err := d.checkQuota(ctx, t, size); err != nil {
		return nil, err
	}
	if partSize <= 0 {
		partSize = d.conf.PartSize
	}
	partSize, count := partLayout(size, partSize)

	d.touchAncestors(ctx, t)

	key := d.key(t)
	out, err := d.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(cloudvfs.ContentTypeByName(cloudvfs.BaseName(t.SubPath))),
	})
	if err != nil {
		return nil, d.mapError("multipart-init", t.Path(), err)
	}
	uploadID := aws.ToString(out.UploadId)

	expires := d.cfg.SignatureTTL(d.conf.DefaultSignatureTTL())
	parts := make([]cloudvfs.PartURL, count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.conf.PartConcurrency)
	for i := range parts {
		n := int32(i + 1)
		g.Go(func() error {
			req, err := d.presign.PresignUploadPart(gctx, &s3.UploadPartInput{
				Bucket:     aws.String(d.bucket),
				Key:        aws.String(key),
				UploadId:   aws.String(uploadID),
				PartNumber: aws.Int32(n),
			}, s3.WithPresignExpires(expires))
			if err != nil {
				return err
			}
			parts[n-1] = cloudvfs.PartURL{PartNumber: n, URL: req.URL}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.abortQuietly(ctx, key, uploadID)
		return nil, d.mapError("multipart-init", t.Path(), err)
	}

	return &cloudvfs.MultipartSession{
		UploadID:  uploadID,
		Path:      t.Path(),
		Key:       key,
		PartSize:  partSize,
		PartCount: count,
		Parts:     parts,
		ExpiresAt: d.now().Add(expires),
	}, nil
}

// UploadPart implements cloudvfs.Driver
func (d *Driver) UploadPart(ctx context.Context, t cloudvfs.Target, uploadID string, partNumber int32, body io.Reader, size int64) (*cloudvfs.CompletedPart, error) {
	if partNumber < 1 || partNumber > cloudvfs.MaxParts {
		return nil, cloudvfs.NewPathError("multipart-part", t.Path(), cloudvfs.ErrBadRequest, "part number %d out of range", partNumber)
	}
	etag, err := d.uploadPart(ctx, d.key(t), uploadID, partNumber, body, size)
	if err != nil {
		return nil, d.mapError("multipart-part", t.Path(), err)
	}
	return &cloudvfs.CompletedPart{PartNumber: partNumber, ETag: etag}, nil
}

func (d *Driver) uploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error) {
	input := &s3.UploadPartInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	out, err := d.client.UploadPart(ctx, input, unseekableOpts(body)...)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

// CompleteMultipart implements cloudvfs.Driver. When the session is already
// gone but the object exists, the upload was completed by an earlier call
// and AlreadyCompleted is reported.
func (d *Driver) CompleteMultipart(ctx context.Context, t cloudvfs.Target, uploadID string, parts []cloudvfs.CompletedPart) (*cloudvfs.MultipartResult, error) {
	if len(parts) == 0 {
		return nil, cloudvfs.NewPathError("multipart-complete", t.Path(), cloudvfs.ErrBadRequest, "no parts")
	}
	sorted := append([]cloudvfs.CompletedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	completed := make([]types.CompletedPart, len(sorted))
	for i, p := range sorted {
		completed[i] = types.CompletedPart{PartNumber: aws.Int32(p.PartNumber), ETag: aws.String(p.ETag)}
	}

	key := d.key(t)
	result := &cloudvfs.MultipartResult{Path: t.Path(), Key: key}
	out, err := d.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	switch {
	case err == nil:
		result.ETag = strings.Trim(aws.ToString(out.ETag), `"`)
	case isNoSuchUpload(err):
		head, herr := d.head(ctx, key)
		if herr != nil {
			if isNotFound(herr) {
				return nil, cloudvfs.NewPathError("multipart-complete", t.Path(), cloudvfs.ErrNotFound, "no such upload %s", uploadID)
			}
			return nil, d.mapError("multipart-complete", t.Path(), herr)
		}
		result.ETag = strings.Trim(aws.ToString(head.ETag), `"`)
		result.AlreadyCompleted = true
	default:
		return nil, d.mapError("multipart-complete", t.Path(), err)
	}

	d.touchAncestors(ctx, t)
	d.invalidate(t)
	return result, nil
}

// AbortMultipart implements cloudvfs.Driver. The abort is retried with
// exponential backoff, then verified by listing the upload's parts: a
// successful listing means the session survived and gets one last abort.
func (d *Driver) AbortMultipart(ctx context.Context, t cloudvfs.Target, uploadID string) (*cloudvfs.AbortResult, error) {
	key := d.key(t)
	result := &cloudvfs.AbortResult{UploadID: uploadID}

	attempts, abortErr := d.abortWithRetry(ctx, key, uploadID)
	result.Attempts = attempts
	if abortErr != nil {
		d.log.Warn("multipart abort failed", zap.String("key", key), zap.String("upload_id", uploadID),
			zap.Int("attempts", attempts), zap.Error(abortErr))
	}

	_, err := d.client.ListParts(ctx, &s3.ListPartsInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	switch {
	case err == nil:
		d.abortQuietly(ctx, key, uploadID)
	case isNoSuchUpload(err) || isNotFound(err):
		result.Confirmed = true
	case abortErr != nil:
		return nil, d.mapError("multipart-abort", t.Path(), errors.Join(abortErr, err))
	default:
		d.log.Warn("multipart abort verification failed", zap.String("key", key), zap.Error(err))
	}
	return result, nil
}

// abortWithRetry aborts an upload, treating an unknown upload as done.
func (d *Driver) abortWithRetry(ctx context.Context, key, uploadID string) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.conf.AbortRetryBaseDelay()
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Minute

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		_, err := d.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(d.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		if err != nil && !isNoSuchUpload(err) {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(d.conf.AbortRetryAttempts)))
	return attempts, err
}

func (d *Driver) abortQuietly(ctx context.Context, key, uploadID string) {
	_, err := d.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !isNoSuchUpload(err) {
		d.log.Warn("best-effort multipart abort failed", zap.String("key", key), zap.String("upload_id", uploadID), zap.Error(err))
	}
}

// uploadStream reads r in fixed-size parts and uploads them with at most
// PartConcurrency parts in flight. Any failure aborts the upload. An empty
// body falls back to a plain put.
func (d *Driver) uploadStream(ctx context.Context, t cloudvfs.Target, r io.Reader, contentType string, opts cloudvfs.UploadOptions) (string, int64, error) {
	key := d.key(t)
	partSize := opts.PartSize
	if partSize <= 0 {
		partSize = d.conf.PartSize
	}
	partSize, _ = partLayout(opts.Size, partSize)

	first := make([]byte, partSize)
	n, err := io.ReadFull(r, first)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", 0, d.mapError("upload", t.Path(), err)
	}
	if n == 0 {
		out, err := d.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(d.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(nil),
			ContentLength: aws.Int64(0),
			ContentType:   aws.String(contentType),
			Metadata:      opts.Metadata,
		})
		if err != nil {
			return "", 0, d.mapError("upload", t.Path(), err)
		}
		return strings.Trim(aws.ToString(out.ETag), `"`), 0, nil
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Metadata:    opts.Metadata,
	}
	if opts.CacheControl != "" {
		input.CacheControl = aws.String(opts.CacheControl)
	}
	created, err := d.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", 0, d.mapError("upload", t.Path(), err)
	}
	uploadID := aws.ToString(created.UploadId)

	var (
		mu    sync.Mutex
		parts []cloudvfs.CompletedPart
		total int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.conf.PartConcurrency)

	buf := first[:n]
	last := err != nil
	for partNumber := int32(1); ; partNumber++ {
		if partNumber > cloudvfs.MaxParts {
			g.Go(func() error {
				return cloudvfs.NewPathError("upload", t.Path(), cloudvfs.ErrBadRequest, "body exceeds %d parts", cloudvfs.MaxParts)
			})
			break
		}
		data, number := buf, partNumber
		total += int64(len(data))
		g.Go(func() error {
			etag, err := d.uploadPart(gctx, key, uploadID, number, bytes.NewReader(data), int64(len(data)))
			if err != nil {
				return err
			}
			mu.Lock()
			parts = append(parts, cloudvfs.CompletedPart{PartNumber: number, ETag: etag})
			mu.Unlock()
			return nil
		})
		if last || gctx.Err() != nil {
			break
		}

		next := make([]byte, partSize)
		n, err := io.ReadFull(r, next)
		if n == 0 {
			break
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				g.Go(func() error { return err })
				break
			}
			last = true
		}
		buf = next[:n]
	}

	if err := g.Wait(); err != nil {
		d.abortQuietly(ctx, key, uploadID)
		return "", 0, d.mapError("upload", t.Path(), err)
	}

	result, err := d.CompleteMultipart(ctx, t, uploadID, parts)
	if err != nil {
		d.abortQuietly(ctx, key, uploadID)
		return "", 0, err
	}
	return result.ETag, total, nil
}
