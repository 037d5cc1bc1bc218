package s3

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gobeaver/cloudvfs"
)

// Upload implements cloudvfs.Driver. Bodies of unknown size or above the
// multipart threshold are streamed as a multipart upload.
func (d *Driver) Upload(ctx context.Context, t cloudvfs.Target, r io.Reader, opts cloudvfs.UploadOptions) (*cloudvfs.UploadResult, error) {
	if t.IsDir() || t.IsRoot() {
		return nil, cloudvfs.NewPathError("upload", t.Path(), cloudvfs.ErrBadRequest, "upload target is a directory")
	}
	if opts.UseDefaultFolder && d.cfg.DefaultFolder != "" {
		t = t.WithSubPath("/" + cloudvfs.NormalizePrefix(d.cfg.DefaultFolder) + strings.TrimLeft(t.SubPath, "/"))
	}
	if err := d.checkQuota(ctx, t, opts.Size); err != nil {
		return nil, err
	}

	key := d.key(t)
	contentType := cloudvfs.ContentTypeByName(cloudvfs.BaseName(t.SubPath))
	result := &cloudvfs.UploadResult{Path: t.Path(), Key: key, Size: opts.Size}

	if opts.Size < 0 || opts.Size > d.conf.MultipartThreshold {
		etag, size, err := d.uploadStream(ctx, t, r, contentType, opts)
		if err != nil {
			return nil, err
		}
		result.ETag, result.Size, result.Multipart = etag, size, true
	} else {
		input := &s3.PutObjectInput{
			Bucket:        aws.String(d.bucket),
			Key:           aws.String(key),
			Body:          r,
			ContentLength: aws.Int64(opts.Size),
			ContentType:   aws.String(contentType),
			Metadata:      opts.Metadata,
		}
		if opts.CacheControl != "" {
			input.CacheControl = aws.String(opts.CacheControl)
		}
		out, err := d.client.PutObject(ctx, input, unseekableOpts(r)...)
		if err != nil {
			return nil, d.mapError("upload", t.Path(), err)
		}
		result.ETag = strings.Trim(aws.ToString(out.ETag), `"`)
	}

	d.touchAncestors(ctx, t)
	d.invalidate(t)
	return result, nil
}

// checkQuota refuses uploads that would push the account past its quota.
// Unknown sizes only fail once the quota is already used up.
func (d *Driver) checkQuota(ctx context.Context, t cloudvfs.Target, size int64) error {
	limit := d.cfg.TotalStorageBytes
	if limit <= 0 {
		return nil
	}
	used, err := d.Usage(ctx)
	if err != nil {
		return err
	}
	if size < 0 {
		size = 0
	}
	if used+size > limit || used >= limit {
		return cloudvfs.NewPathError("upload", t.Path(), cloudvfs.ErrForbidden,
			"storage quota exceeded: %d of %d bytes used", used, limit)
	}
	return nil
}
