package cloudvfs

// UploadOption represents a configuration option for uploads
type UploadOption func(*UploadOptions)

// UploadOptions contains all possible options for an upload
type UploadOptions struct {
	// Size is the content length in bytes, or -1 when unknown.
	// Unknown or large sizes stream through multipart upload.
	Size int64

	// Metadata contains additional user metadata for the object
	Metadata map[string]string

	// CacheControl sets the Cache-Control header for the object
	CacheControl string

	// UseDefaultFolder places the object under the account's default folder.
	UseDefaultFolder bool

	// PartSize overrides the backend multipart part size.
	PartSize int64
}

// WithMetadata sets additional metadata for the object
func WithMetadata(metadata map[string]string) UploadOption {
	return func(o *UploadOptions) {
		o.Metadata = metadata
	}
}

// WithCacheControl sets the Cache-Control header
func WithCacheControl(cacheControl string) UploadOption {
	return func(o *UploadOptions) {
		o.CacheControl = cacheControl
	}
}

// WithDefaultFolder places the upload under the account's default folder
func WithDefaultFolder() UploadOption {
	return func(o *UploadOptions) {
		o.UseDefaultFolder = true
	}
}

// WithPartSize sets the part size used when the upload streams as multipart
func WithPartSize(partSize int64) UploadOption {
	return func(o *UploadOptions) {
		o.PartSize = partSize
	}
}

// NewUploadOptions applies opts over defaults for a body of the given size.
func NewUploadOptions(size int64, opts ...UploadOption) UploadOptions {
	o := UploadOptions{Size: size}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
