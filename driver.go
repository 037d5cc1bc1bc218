package cloudvfs

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"time"
)

// FileInfo describes a file or directory as seen through a mount.
type FileInfo struct {
	Name        string
	Path        string
	IsDir       bool
	Size        int64
	ModTime     time.Time
	ContentType string
	ETag        string
	Key         string
	MountID     string
	PreviewURL  string
	DownloadURL string
}

// Listing is the content of one directory: directories first, then files,
// each group ordered by name.
type Listing struct {
	Path    string
	MountID string
	Items   []FileInfo
}

// SortItems orders directories before files, each group by name.
func SortItems(items []FileInfo) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return items[i].Name < items[j].Name
	})
}

// Target binds a mount-relative sub-path to the mount it was resolved through.
type Target struct {
	Mount   *Mount
	SubPath string
}

// Path returns the virtual path of the target.
func (t Target) Path() string {
	mountPath := "/"
	if t.Mount != nil {
		mountPath = t.Mount.Path
	}
	p := path.Join(mountPath, t.SubPath)
	if IsDirPath(t.SubPath) && p != "/" {
		p += "/"
	}
	return p
}

// IsDir reports whether the target names a directory.
func (t Target) IsDir() bool {
	return IsDirPath(t.SubPath)
}

// IsRoot reports whether the target is the mount root.
func (t Target) IsRoot() bool {
	return strings.Trim(t.SubPath, "/") == ""
}

// MountID returns the ID of the owning mount, or "".
func (t Target) MountID() string {
	if t.Mount == nil {
		return ""
	}
	return t.Mount.ID
}

// WithSubPath returns a target on the same mount.
func (t Target) WithSubPath(subPath string) Target {
	return Target{Mount: t.Mount, SubPath: subPath}
}

// ObjectReader streams object content served through the gateway.
type ObjectReader struct {
	io.ReadCloser
	Info          FileInfo
	ContentLength int64
	ContentRange  string
}

// ReadOptions controls a proxied read.
type ReadOptions struct {
	// Range is an HTTP Range header value, e.g. "bytes=0-1023".
	Range string
}

// UploadResult reports a finished upload.
type UploadResult struct {
	Path      string
	Key       string
	ETag      string
	Size      int64
	Multipart bool
}

// CopyOptions controls copy behavior on collisions.
type CopyOptions struct {
	// SkipExisting reports an existing target as skipped instead of
	// picking a free name.
	SkipExisting bool
}

// CopyResult reports how a copy was resolved.
type CopyResult struct {
	Source         string
	Target         string
	OriginalTarget string
	Renamed        bool
	Skipped        bool
	Objects        int
	// Transfer is set for cross-account copies; the caller moves the bytes.
	Transfer *TransferPlan
}

// TransferPlan is the set of signed URL pairs a caller uses to move data
// between two accounts without routing bytes through the gateway.
type TransferPlan struct {
	SourceMountID string
	TargetMountID string
	TargetRoot    string
	Pairs         []TransferPair
	ExpiresAt     time.Time
}

// TransferPair moves one object: GET DownloadURL, PUT the body to UploadURL.
type TransferPair struct {
	SourcePath  string
	TargetPath  string
	Size        int64
	ContentType string
	DownloadURL string
	UploadURL   string
}

// PresignOperation selects the HTTP method a signed URL grants.
type PresignOperation string

const (
	PresignDownload PresignOperation = "download"
	PresignUpload   PresignOperation = "upload"
)

// PresignOptions controls signed URL generation.
type PresignOptions struct {
	Operation     PresignOperation
	ForceDownload bool
	ExpiresIn     time.Duration
	// Caller keys the URL cache. Nil disables caching.
	Caller *Caller
	// NoCache bypasses the URL cache even when Caller is set.
	NoCache bool
}

// PresignedURL is a time-limited link to an object.
type PresignedURL struct {
	URL         string
	Method      string
	ContentType string
	ExpiresAt   time.Time
	// Lifetime is the validity the URL was signed with.
	Lifetime time.Duration
	// Direct is true for unsigned custom-domain links.
	Direct bool
	Cached bool
}

// MultipartSession is a started multipart upload.
type MultipartSession struct {
	UploadID  string
	Path      string
	Key       string
	PartSize  int64
	PartCount int
	// Parts holds signed part upload URLs for client-side uploads.
	Parts     []PartURL
	ExpiresAt time.Time
}

// PartURL is the signed upload URL for one part.
type PartURL struct {
	PartNumber int32
	URL        string
}

// CompletedPart identifies an uploaded part.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// MultipartResult reports a completed multipart upload.
type MultipartResult struct {
	Path string
	Key  string
	ETag string
	// AlreadyCompleted is set when the session was gone but the object exists,
	// i.e. a retried completion.
	AlreadyCompleted bool
}

// AbortResult reports an aborted multipart upload.
type AbortResult struct {
	UploadID string
	Attempts int
	// Confirmed is true when the backend no longer knows the upload.
	Confirmed bool
}

// Driver is the contract every storage backend implements in full.
// Operations outside the declared Capabilities return ErrNotImplemented.
type Driver interface {
	// Type returns the storage type tag the driver was registered under.
	Type() string
	// AccountID identifies the backing storage account.
	AccountID() string
	Initialize(ctx context.Context) error
	Capabilities() Capability
	HasCapability(c Capability) bool

	ListDirectory(ctx context.Context, t Target) (*Listing, error)
	Stat(ctx context.Context, t Target) (*FileInfo, error)
	Exists(ctx context.Context, t Target) (bool, error)
	Open(ctx context.Context, t Target, opts ReadOptions) (*ObjectReader, error)
	Usage(ctx context.Context) (int64, error)

	Upload(ctx context.Context, t Target, r io.Reader, opts UploadOptions) (*UploadResult, error)
	CreateDirectory(ctx context.Context, t Target) error
	Remove(ctx context.Context, t Target) error
	Rename(ctx context.Context, src, dst Target) error
	Copy(ctx context.Context, src, dst Target, opts CopyOptions) (*CopyResult, error)
	// CopyAcross plans a copy from this driver's account into dstDriver's.
	CopyAcross(ctx context.Context, src, dst Target, dstDriver Driver, opts CopyOptions) (*CopyResult, error)
	// UniqueTarget returns t, or the first free "name(n)" sibling when t exists.
	UniqueTarget(ctx context.Context, t Target) (Target, bool, error)

	PresignURL(ctx context.Context, t Target, opts PresignOptions) (*PresignedURL, error)

	InitMultipart(ctx context.Context, t Target, size, partSize int64) (*MultipartSession, error)
	UploadPart(ctx context.Context, t Target, uploadID string, partNumber int32, body io.Reader, size int64) (*CompletedPart, error)
	CompleteMultipart(ctx context.Context, t Target, uploadID string, parts []CompletedPart) (*MultipartResult, error)
	AbortMultipart(ctx context.Context, t Target, uploadID string) (*AbortResult, error)
}
