package s3

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gobeaver/cloudvfs"
)

// PresignURL implements cloudvfs.Driver. The content type of a signed URL
// always derives from the file extension.
func (d *Driver) PresignURL(ctx context.Context, t cloudvfs.Target, opts cloudvfs.PresignOptions) (*cloudvfs.PresignedURL, error) {
	if t.IsDir() || t.IsRoot() {
		return nil, cloudvfs.NewPathError("presign", t.Path(), cloudvfs.ErrBadRequest, "cannot sign a directory")
	}
	expires := opts.ExpiresIn
	if expires <= 0 {
		expires = d.cfg.SignatureTTL(d.conf.DefaultSignatureTTL())
	}

	switch opts.Operation {
	case cloudvfs.PresignUpload:
		return d.presignPut(ctx, t, expires)
	case cloudvfs.PresignDownload, "":
		return d.presignGetCached(ctx, t, opts, expires)
	default:
		return nil, cloudvfs.NewPathError("presign", t.Path(), cloudvfs.ErrBadRequest, "unknown operation %q", opts.Operation)
	}
}

// cacheKey returns the URL cache key, or false when the request must not
// be cached: no caller identity, anonymous callers, or an explicit opt out.
func (d *Driver) cacheKey(t cloudvfs.Target, opts cloudvfs.PresignOptions) (cloudvfs.URLKey, bool) {
	c := opts.Caller
	if opts.NoCache || c == nil || c.Type == cloudvfs.CallerAnonymous {
		return cloudvfs.URLKey{}, false
	}
	return cloudvfs.URLKey{
		AccountID:     d.cfg.ID,
		Key:           d.key(t),
		ForceDownload: opts.ForceDownload,
		CallerType:    c.Type,
		CallerID:      c.ID,
	}, true
}

func (d *Driver) presignGetCached(ctx context.Context, t cloudvfs.Target, opts cloudvfs.PresignOptions, expires time.Duration) (*cloudvfs.PresignedURL, error) {
	ck, cacheable := d.cacheKey(t, opts)
	if cacheable {
		// A URL signed for another lifetime would outlive or undercut the request.
		if u, ok := d.deps.URLCache.Get(ck); ok && u.Lifetime == expires {
			return u, nil
		}
	}

	u, err := d.presignGet(ctx, t, opts.ForceDownload, expires)
	if err != nil {
		return nil, err
	}
	if cacheable {
		d.deps.URLCache.Set(ck, *u)
	}
	return u, nil
}

// presignGet returns a direct custom-domain link for previews when the
// account has one, and a signed URL with a forced disposition otherwise.
func (d *Driver) presignGet(ctx context.Context, t cloudvfs.Target, forceDownload bool, expires time.Duration) (*cloudvfs.PresignedURL, error) {
	key := d.key(t)
	name := cloudvfs.BaseName(t.SubPath)
	contentType := cloudvfs.ContentTypeByName(name)
	expiresAt := d.now().Add(expires)

	if d.cfg.CustomHost != "" && !forceDownload {
		return &cloudvfs.PresignedURL{
			URL:         customHostURL(d.cfg.CustomHost, key),
			Method:      http.MethodGet,
			ContentType: contentType,
			ExpiresAt:   expiresAt,
			Lifetime:    expires,
			Direct:      true,
		}, nil
	}

	if !forceDownload {
		contentType = cloudvfs.InlineContentType(contentType)
	}
	req, err := d.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(d.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(cloudvfs.ContentDisposition(name, forceDownload)),
		ResponseContentType:        aws.String(contentType),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return nil, d.mapError("presign", t.Path(), err)
	}
	return &cloudvfs.PresignedURL{
		URL:         req.URL,
		Method:      req.Method,
		ContentType: contentType,
		ExpiresAt:   expiresAt,
		Lifetime:    expires,
	}, nil
}

func (d *Driver) presignPut(ctx context.Context, t cloudvfs.Target, expires time.Duration) (*cloudvfs.PresignedURL, error) {
	contentType := cloudvfs.ContentTypeByName(cloudvfs.BaseName(t.SubPath))
	req, err := d.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(d.key(t)),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return nil, d.mapError("presign", t.Path(), err)
	}
	return &cloudvfs.PresignedURL{
		URL:         req.URL,
		Method:      req.Method,
		ContentType: contentType,
		ExpiresAt:   d.now().Add(expires),
		Lifetime:    expires,
	}, nil
}

// customHostURL joins a custom domain and an escaped object key.
func customHostURL(host, key string) string {
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(host, "/") + "/" + strings.Join(segments, "/")
}
