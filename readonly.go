package cloudvfs

import (
	"context"
	"io"
)

// ============================================================================
// UnimplementedDriver
// ============================================================================

// UnimplementedDriver answers every operation with ErrNotImplemented.
// Embed it in a new backend and override what the backend supports; the
// embedding driver must also report matching Capabilities.
type UnimplementedDriver struct {
	Name string
}

func (u UnimplementedDriver) unsupported(op string, t Target) error {
	return &PathError{Op: op, Path: t.Path(), Err: newNotImplemented(u.Name, CapAll)}
}

func (u UnimplementedDriver) Type() string { return u.Name }
func (u UnimplementedDriver) AccountID() string { return u.Name }
func (u UnimplementedDriver) Initialize(ctx context.Context) error { return nil }
func (u UnimplementedDriver) Capabilities() Capability { return 0 }
func (u UnimplementedDriver) HasCapability(c Capability) bool { return c == 0 }

func (u UnimplementedDriver) ListDirectory(ctx context.Context, t Target) (*Listing, error) {
	return nil, u.unsupported("list", t)
}

func (u UnimplementedDriver) Stat(ctx context.Context, t Target) (*FileInfo, error) {
	return nil, u.unsupported("stat", t)
}

func (u UnimplementedDriver) Exists(ctx context.Context, t Target) (bool, error) {
	return false, u.unsupported("exists", t)
}

func (u UnimplementedDriver) Open(ctx context.Context, t Target, opts ReadOptions) (*ObjectReader, error) {
	return nil, u.unsupported("open", t)
}

func (u UnimplementedDriver) Usage(ctx context.Context) (int64, error) {
	return 0, u.unsupported("usage", Target{SubPath: "/"})
}

func (u UnimplementedDriver) Upload(ctx context.Context, t Target, r io.Reader, opts UploadOptions) (*UploadResult, error) {
	return nil, u.unsupported("upload", t)
}

func (u UnimplementedDriver) CreateDirectory(ctx context.Context, t Target) error {
	return u.unsupported("mkdir", t)
}

func (u UnimplementedDriver) Remove(ctx context.Context, t Target) error {
	return u.unsupported("remove", t)
}

func (u UnimplementedDriver) Rename(ctx context.Context, src, dst Target) error {
	return u.unsupported("rename", src)
}

func (u UnimplementedDriver) Copy(ctx context.Context, src, dst Target, opts CopyOptions) (*CopyResult, error) {
	return nil, u.unsupported("copy", src)
}

func (u UnimplementedDriver) CopyAcross(ctx context.Context, src, dst Target, dstDriver Driver, opts CopyOptions) (*CopyResult, error) {
	return nil, u.unsupported("copy", src)
}

func (u UnimplementedDriver) UniqueTarget(ctx context.Context, t Target) (Target, bool, error) {
	return t, false, u.unsupported("unique-target", t)
}

func (u UnimplementedDriver) PresignURL(ctx context.Context, t Target, opts PresignOptions) (*PresignedURL, error) {
	return nil, u.unsupported("presign", t)
}

func (u UnimplementedDriver) InitMultipart(ctx context.Context, t Target, size, partSize int64) (*MultipartSession, error) {
	return nil, u.unsupported("multipart-init", t)
}

func (u UnimplementedDriver) UploadPart(ctx context.Context, t Target, uploadID string, partNumber int32, body io.Reader, size int64) (*CompletedPart, error) {
	return nil, u.unsupported("multipart-part", t)
}

func (u UnimplementedDriver) CompleteMultipart(ctx context.Context, t Target, uploadID string, parts []CompletedPart) (*MultipartResult, error) {
	return nil, u.unsupported("multipart-complete", t)
}

func (u UnimplementedDriver) AbortMultipart(ctx context.Context, t Target, uploadID string) (*AbortResult, error) {
	return nil, u.unsupported("multipart-abort", t)
}

// ============================================================================
// ReadOnly Decorator
// ============================================================================

// readOnlyMask is every capability that mutates the backend.
const readOnlyMask = CapWriter | CapMultipart | CapAtomic

// readOnlyDriver narrows a driver to its non-mutating capabilities.
type readOnlyDriver struct {
	Driver
}

// ReadOnly wraps d so that writes, multipart uploads, copies and renames
// fail with ErrNotImplemented. Listing, stat, proxied reads and download
// URLs pass through. Signed upload URLs are refused as well.
func ReadOnly(d Driver) Driver {
	if ro, ok := d.(*readOnlyDriver); ok {
		return ro
	}
	return &readOnlyDriver{Driver: d}
}

func (r *readOnlyDriver) Capabilities() Capability {
	return r.Driver.Capabilities() &^ readOnlyMask
}

func (r *readOnlyDriver) HasCapability(c Capability) bool {
	return r.Capabilities().Has(c)
}

func (r *readOnlyDriver) denied(op string, t Target) error {
	return &PathError{Op: op, Path: t.Path(), Err: newNotImplemented(r.Type(), readOnlyMask)}
}

func (r *readOnlyDriver) Upload(ctx context.Context, t Target, rd io.Reader, opts UploadOptions) (*UploadResult, error) {
	return nil, r.denied("upload", t)
}

func (r *readOnlyDriver) CreateDirectory(ctx context.Context, t Target) error {
	return r.denied("mkdir", t)
}

func (r *readOnlyDriver) Remove(ctx context.Context, t Target) error {
	return r.denied("remove", t)
}

func (r *readOnlyDriver) Rename(ctx context.Context, src, dst Target) error {
	return r.denied("rename", src)
}

func (r *readOnlyDriver) Copy(ctx context.Context, src, dst Target, opts CopyOptions) (*CopyResult, error) {
	return nil, r.denied("copy", dst)
}

func (r *readOnlyDriver) PresignURL(ctx context.Context, t Target, opts PresignOptions) (*PresignedURL, error) {
	if opts.Operation == PresignUpload {
		return nil, r.denied("presign", t)
	}
	return r.Driver.PresignURL(ctx, t, opts)
}

func (r *readOnlyDriver) InitMultipart(ctx context.Context, t Target, size, partSize int64) (*MultipartSession, error) {
	return nil, r.denied("multipart-init", t)
}

func (r *readOnlyDriver) UploadPart(ctx context.Context, t Target, uploadID string, partNumber int32, body io.Reader, size int64) (*CompletedPart, error) {
	return nil, r.denied("multipart-part", t)
}

func (r *readOnlyDriver) CompleteMultipart(ctx context.Context, t Target, uploadID string, parts []CompletedPart) (*MultipartResult, error) {
	return nil, r.denied("multipart-complete", t)
}

func (r *readOnlyDriver) AbortMultipart(ctx context.Context, t Target, uploadID string) (*AbortResult, error) {
	return nil, r.denied("multipart-abort", t)
}

// Ensure the decorators satisfy Driver
var (
	_ Driver = UnimplementedDriver{}
	_ Driver = (*readOnlyDriver)(nil)
)
