package cloudvfs

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gobeaver/beaver-kit/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Builder creates FileSystem instances from environment config with a
// custom variable prefix.
type Builder struct {
	prefix   string
	registry prometheus.Registerer
	factory  *Factory
}

// WithPrefix creates a new Builder with the specified prefix
func WithPrefix(prefix string) *Builder {
	return &Builder{prefix: prefix}
}

// WithRegistry registers metrics on reg instead of discarding them.
func (b *Builder) WithRegistry(reg prometheus.Registerer) *Builder {
	b.registry = reg
	return b
}

// WithFactory builds drivers from f instead of DefaultFactory.
func (b *Builder) WithFactory(f *Factory) *Builder {
	b.factory = f
	return b
}

// New loads config and wires caches, metrics, logger and resolver around
// store. registry may be nil when no FileRegistry is kept.
func (b *Builder) New(store MountStore, registry FileRegistry) (*FileSystem, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: b.prefix}); err != nil {
		return nil, Error.Wrap(err)
	}
	cfg.WithDefaults()

	log, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}
	deps, err := NewDeps(cfg, log, b.registry)
	if err != nil {
		return nil, err
	}
	deps.Registry = registry
	return New(NewResolver(store, b.factory, deps)), nil
}

// NewDeps builds the shared caches and metrics described by cfg.
func NewDeps(cfg *Config, log *zap.Logger, reg prometheus.Registerer) (Deps, error) {
	metrics, err := NewMetrics(cfg.MetricsNamespace, reg)
	if err != nil {
		return Deps{}, err
	}
	clock := SystemClock{}
	dirCache, err := NewDirCache(cfg.DirCacheSize, clock, metrics)
	if err != nil {
		return Deps{}, err
	}
	urlCache, err := NewURLCache(cfg.URLCacheSize, cfg.URLCacheMaxTTL(), clock, metrics)
	if err != nil {
		return Deps{}, err
	}
	return Deps{
		Config:    cfg,
		DirCache:  dirCache,
		URLCache:  urlCache,
		Decrypter: AESDecrypter{},
		Secret:    cfg.EncryptionSecret,
		Logger:    log,
		Metrics:   metrics,
		Clock:     clock,
	}, nil
}

// FileSystem is the virtual filesystem protocol layers talk to. Every call
// resolves its paths in a fresh request scope.
type FileSystem struct {
	resolver *Resolver
	cfg      *Config
	log      *zap.Logger
	metrics  *Metrics
	dirCache *DirCache
	clock    Clock
}

// New creates a FileSystem over resolver.
func New(resolver *Resolver) *FileSystem {
	deps := resolver.Deps()
	return &FileSystem{
		resolver: resolver,
		cfg:      deps.Config,
		log:      deps.Logger.Named("fs"),
		metrics:  deps.Metrics,
		dirCache: deps.DirCache,
		clock:    deps.Clock,
	}
}

func (fs *FileSystem) observe(op string, start time.Time, err *error) {
	fs.metrics.ObserveOperation(op, fs.clock.Now().Sub(start), *err)
}

// resolve resolves p and checks the driver has want.
func (fs *FileSystem) resolve(ctx context.Context, scope *Scope, op, p string, caller *Caller, want Capability) (*Resolved, error) {
	res, err := scope.Resolve(ctx, p, caller)
	if err != nil {
		return nil, err
	}
	if err := requireCapability(res.Driver, op, res.Target.Path(), want); err != nil {
		return nil, err
	}
	return res, nil
}

// ListDirectory lists a directory. Paths above or between mounts list the
// mounts below them as directories.
func (fs *FileSystem) ListDirectory(ctx context.Context, p string, caller *Caller) (listing *Listing, err error) {
	defer fs.observe("list", fs.clock.Now(), &err)

	cleaned, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	dir := AsDir(cleaned)
	scope := fs.resolver.NewScope()

	res, err := fs.resolve(ctx, scope, "list", dir, caller, CapReader)
	if isResolveMiss(err) {
		mounts, merr := scope.ListMounts(ctx, dir, caller)
		if merr != nil || len(mounts) == 0 {
			return nil, err
		}
		return &Listing{Path: dir, Items: mounts}, nil
	}
	if err != nil {
		return nil, err
	}

	listing, err = res.Driver.ListDirectory(ctx, res.Target)
	if err != nil {
		return nil, err
	}

	nested, err := scope.ListMounts(ctx, dir, caller)
	if err != nil {
		return nil, err
	}
	if len(nested) > 0 {
		listing = mergeMounts(listing, nested)
	}
	return listing, nil
}

// mergeMounts adds nested mount directories missing from the listing.
func mergeMounts(listing *Listing, mounts []FileInfo) *Listing {
	present := make(map[string]bool, len(listing.Items))
	for _, item := range listing.Items {
		if item.IsDir {
			present[item.Name] = true
		}
	}
	out := *listing
	out.Items = append([]FileInfo(nil), listing.Items...)
	for _, m := range mounts {
		if !present[m.Name] {
			out.Items = append(out.Items, m)
		}
	}
	SortItems(out.Items)
	return &out
}

// GetFileInfo stats a path. Files carry preview and download URLs: proxy
// URLs on web-proxied mounts, signed URLs otherwise.
func (fs *FileSystem) GetFileInfo(ctx context.Context, p string, caller *Caller) (info *FileInfo, err error) {
	defer fs.observe("stat", fs.clock.Now(), &err)

	res, err := fs.resolve(ctx, fs.resolver.NewScope(), "stat", p, caller, CapReader)
	if err != nil {
		return nil, err
	}
	info, err = res.Driver.Stat(ctx, res.Target)
	if err != nil {
		return nil, err
	}
	if info.IsDir {
		return info, nil
	}

	switch {
	case res.Mount.WebProxy:
		info.PreviewURL = fs.proxyURL(info.Path, false)
		info.DownloadURL = fs.proxyURL(info.Path, true)
	case res.Driver.HasCapability(CapPresigned):
		info.PreviewURL = fs.signedURL(ctx, res, caller, false)
		info.DownloadURL = fs.signedURL(ctx, res, caller, true)
	}
	return info, nil
}

// signedURL returns a download URL or "" when signing fails.
func (fs *FileSystem) signedURL(ctx context.Context, res *Resolved, caller *Caller, forceDownload bool) string {
	u, err := res.Driver.PresignURL(ctx, res.Target, PresignOptions{
		Operation:     PresignDownload,
		ForceDownload: forceDownload,
		Caller:        caller,
	})
	if err != nil {
		fs.log.Warn("presign for file info failed", zap.String("path", res.Target.Path()), zap.Error(err))
		return ""
	}
	return u.URL
}

func (fs *FileSystem) proxyURL(p string, download bool) string {
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	u := strings.TrimRight(fs.cfg.ProxyURLPrefix, "/") + "/" + strings.Join(segments, "/")
	if download {
		u += "?download=1"
	}
	return u
}

// Exists reports whether a file or directory exists. Virtual directories
// above mounts exist when they contain a visible mount.
func (fs *FileSystem) Exists(ctx context.Context, p string, caller *Caller) (ok bool, err error) {
	defer fs.observe("exists", fs.clock.Now(), &err)

	scope := fs.resolver.NewScope()
	res, err := fs.resolve(ctx, scope, "exists", p, caller, CapReader)
	if isResolveMiss(err) {
		mounts, merr := scope.ListMounts(ctx, AsDir(p), caller)
		if merr != nil {
			return false, merr
		}
		return len(mounts) > 0, nil
	}
	if err != nil {
		return false, err
	}
	if res.Target.IsRoot() {
		return true, nil
	}
	return res.Driver.Exists(ctx, res.Target)
}

// OpenFile streams a file through the gateway.
func (fs *FileSystem) OpenFile(ctx context.Context, p string, caller *Caller, opts ReadOptions) (r *ObjectReader, err error) {
	defer fs.observe("open", fs.clock.Now(), &err)

	res, err := fs.resolve(ctx, fs.resolver.NewScope(), "open", p, caller, CapProxy)
	if err != nil {
		return nil, err
	}
	if res.Target.IsDir() {
		return nil, NewPathError("open", res.Target.Path(), ErrBadRequest, "is a directory")
	}
	return res.Driver.Open(ctx, res.Target, opts)
}

// UploadFile stores r at p. size is the content length, or -1 if unknown.
func (fs *FileSystem) UploadFile(ctx context.Context, p string, r io.Reader, size int64, caller *Caller, opts ...UploadOption) (result *UploadResult, err error) {
	defer fs.observe("upload", fs.clock.Now(), &err)

	res, err := fs.resolve(ctx, fs.resolver.NewScope(), "upload", p, caller, CapWriter)
	if err != nil {
		return nil, err
	}
	if res.Target.IsDir() {
		return nil, NewPathError("upload", res.Target.Path(), ErrBadRequest, "upload target is a directory")
	}
	return res.Driver.Upload(ctx, res.Target, r, NewUploadOptions(size, opts...))
}

// CreateDirectory creates a directory marker at p.
func (fs *FileSystem) CreateDirectory(ctx context.Context, p string, caller *Caller) (err error) {
	defer fs.observe("mkdir", fs.clock.Now(), &err)

	res, err := fs.resolve(ctx, fs.resolver.NewScope(), "mkdir", AsDir(p), caller, CapWriter)
	if err != nil {
		return err
	}
	if res.Target.IsRoot() {
		return nil
	}
	return res.Driver.CreateDirectory(ctx, res.Target)
}

// RenameItem moves oldPath to newPath within one mount. The target must be
// free and of the same kind as the source.
func (fs *FileSystem) RenameItem(ctx context.Context, oldPath, newPath string, caller *Caller) (err error) {
	defer fs.observe("rename", fs.clock.Now(), &err)

	if IsDirPath(oldPath) != IsDirPath(newPath) {
		return NewPathError("rename", newPath, ErrBadRequest, "source and target must both be files or both be directories")
	}
	scope := fs.resolver.NewScope()
	src, err := fs.resolve(ctx, scope, "rename", oldPath, caller, CapWriter|CapAtomic)
	if err != nil {
		return err
	}
	dst, err := fs.resolve(ctx, scope, "rename", newPath, caller, CapWriter|CapAtomic)
	if err != nil {
		return err
	}
	if src.Mount.ID != dst.Mount.ID {
		return NewPathError("rename", newPath, ErrBadRequest, "rename across mounts")
	}
	if src.Target.IsRoot() || dst.Target.IsRoot() {
		return NewPathError("rename", oldPath, ErrBadRequest, "cannot rename a mount root")
	}
	return dst.Driver.Rename(ctx, src.Target, dst.Target)
}

// CopyItem copies src to dst. Collisions on the target are resolved by
// renaming to "name(n)" unless opts.SkipExisting is set. Copies between
// accounts return a TransferPlan instead of moving bytes.
func (fs *FileSystem) CopyItem(ctx context.Context, src, dst string, caller *Caller, opts CopyOptions) (result *CopyResult, err error) {
	defer fs.observe("copy", fs.clock.Now(), &err)
	return fs.copyItem(ctx, fs.resolver.NewScope(), src, dst, caller, opts)
}

func (fs *FileSystem) copyItem(ctx context.Context, scope *Scope, src, dst string, caller *Caller, opts CopyOptions) (*CopyResult, error) {
	if IsDirPath(src) {
		dst = AsDir(dst)
	} else if IsDirPath(dst) {
		return nil, NewPathError("copy", dst, ErrBadRequest, "cannot copy a file onto a directory path")
	}

	from, err := fs.resolve(ctx, scope, "copy", src, caller, CapReader)
	if err != nil {
		return nil, err
	}
	to, err := fs.resolve(ctx, scope, "copy", dst, caller, CapWriter)
	if err != nil {
		return nil, err
	}
	if from.Target.IsRoot() {
		return nil, NewPathError("copy", src, ErrBadRequest, "cannot copy a mount root")
	}

	if sameAccount(from.Driver, to.Driver) {
		if err := requireCapability(to.Driver, "copy", to.Target.Path(), CapAtomic); err != nil {
			return nil, err
		}
		return to.Driver.Copy(ctx, from.Target, to.Target, opts)
	}

	for _, r := range []*Resolved{from, to} {
		if err := requireCapability(r.Driver, "copy", r.Target.Path(), CapPresigned); err != nil {
			return nil, err
		}
	}
	return from.Driver.CopyAcross(ctx, from.Target, to.Target, to.Driver, opts)
}

func sameAccount(a, b Driver) bool {
	return a.Type() == b.Type() && a.AccountID() == b.AccountID()
}

// BatchCopyItems copies every item in order. A failed item never stops
// the batch.
func (fs *FileSystem) BatchCopyItems(ctx context.Context, items []CopyItem, caller *Caller) *BatchResult {
	result := &BatchResult{}
	scope := fs.resolver.NewScope()

	for _, item := range items {
		start := fs.clock.Now()
		res, err := fs.copyItem(ctx, scope, item.Source, item.Target, caller, CopyOptions{SkipExisting: item.SkipExisting})
		fs.observe("copy", start, &err)
		if err != nil {
			fs.log.Debug("batch copy item failed", zap.String("source", item.Source), zap.String("target", item.Target), zap.Error(err))
			result.fail(item.Source, item.Target, err)
			continue
		}
		entry := BatchItem{Path: item.Source, Target: res.Target, Status: BatchSuccess, Transfer: res.Transfer}
		if res.Skipped {
			entry.Status = BatchSkipped
		}
		if res.Renamed {
			entry.RenamedTo = res.Target
		}
		result.add(entry)
	}
	return result
}

// BatchRemoveItems removes every path in order. A failed item never stops
// the batch.
func (fs *FileSystem) BatchRemoveItems(ctx context.Context, paths []string, caller *Caller) *BatchResult {
	result := &BatchResult{}
	scope := fs.resolver.NewScope()

	for _, p := range paths {
		start := fs.clock.Now()
		err := fs.removeItem(ctx, scope, p, caller)
		fs.observe("remove", start, &err)
		if err != nil {
			fs.log.Debug("batch remove item failed", zap.String("path", p), zap.Error(err))
			result.fail(p, "", err)
			continue
		}
		result.add(BatchItem{Path: p, Status: BatchSuccess})
	}
	return result
}

// RemoveItem removes a file, or a directory and everything below it.
func (fs *FileSystem) RemoveItem(ctx context.Context, p string, caller *Caller) (err error) {
	defer fs.observe("remove", fs.clock.Now(), &err)
	return fs.removeItem(ctx, fs.resolver.NewScope(), p, caller)
}

func (fs *FileSystem) removeItem(ctx context.Context, scope *Scope, p string, caller *Caller) error {
	res, err := fs.resolve(ctx, scope, "remove", p, caller, CapWriter)
	if err != nil {
		return err
	}
	if res.Target.IsRoot() {
		return NewPathError("remove", res.Target.Path(), ErrBadRequest, "cannot remove a mount root")
	}
	return res.Driver.Remove(ctx, res.Target)
}

// GeneratePresignedURL signs a download or upload URL for p. Download URLs
// are cached per caller unless opts.NoCache is set.
func (fs *FileSystem) GeneratePresignedURL(ctx context.Context, p string, caller *Caller, opts PresignOptions) (u *PresignedURL, err error) {
	defer fs.observe("presign", fs.clock.Now(), &err)

	want := CapPresigned
	if opts.Operation == PresignUpload {
		want |= CapWriter
	}
	res, err := fs.resolve(ctx, fs.resolver.NewScope(), "presign", p, caller, want)
	if err != nil {
		return nil, err
	}
	if res.Target.IsDir() {
		return nil, NewPathError("presign", res.Target.Path(), ErrBadRequest, "cannot sign a directory")
	}
	opts.Caller = caller
	return res.Driver.PresignURL(ctx, res.Target, opts)
}

// InitializeMultipartUpload starts a client-side multipart upload.
func (fs *FileSystem) InitializeMultipartUpload(ctx context.Context, p string, caller *Caller, size, partSize int64) (session *MultipartSession, err error) {
	defer fs.observe("multipart_init", fs.clock.Now(), &err)

	res, err := fs.resolve(ctx, fs.resolver.NewScope(), "multipart-init", p, caller, CapMultipart)
	if err != nil {
		return nil, err
	}
	if res.Target.IsDir() {
		return nil, NewPathError("multipart-init", res.Target.Path(), ErrBadRequest, "upload target is a directory")
	}
	return res.Driver.InitMultipart(ctx, res.Target, size, partSize)
}

// UploadPart uploads one part through the gateway.
func (fs *FileSystem) UploadPart(ctx context.Context, p string, caller *Caller, uploadID string, partNumber int32, body io.Reader, size int64) (part *CompletedPart, err error) {
	defer fs.observe("multipart_part", fs.clock.Now(), &err)

	res, err := fs.resolve(ctx, fs.resolver.NewScope(), "multipart-part", p, caller, CapMultipart)
	if err != nil {
		return nil, err
	}
	return res.Driver.UploadPart(ctx, res.Target, uploadID, partNumber, body, size)
}

// CompleteMultipartUpload finalizes an upload. Completing an upload twice
// reports AlreadyCompleted instead of failing.
func (fs *FileSystem) CompleteMultipartUpload(ctx context.Context, p string, caller *Caller, uploadID string, parts []CompletedPart) (result *MultipartResult, err error) {
	defer fs.observe("multipart_complete", fs.clock.Now(), &err)

	res, err := fs.resolve(ctx, fs.resolver.NewScope(), "multipart-complete", p, caller, CapMultipart)
	if err != nil {
		return nil, err
	}
	return res.Driver.CompleteMultipart(ctx, res.Target, uploadID, parts)
}

// AbortMultipartUpload aborts an upload and reports whether cleanup was
// confirmed by the backend.
func (fs *FileSystem) AbortMultipartUpload(ctx context.Context, p string, caller *Caller, uploadID string) (result *AbortResult, err error) {
	defer fs.observe("multipart_abort", fs.clock.Now(), &err)

	res, err := fs.resolve(ctx, fs.resolver.NewScope(), "multipart-abort", p, caller, CapMultipart)
	if err != nil {
		return nil, err
	}
	return res.Driver.AbortMultipart(ctx, res.Target, uploadID)
}

// ConfirmTransfer checks that every target of a cross-account plan exists
// and drops the target mount's cached listings. Missing targets are
// reported together as one NotFound error.
func (fs *FileSystem) ConfirmTransfer(ctx context.Context, plan *TransferPlan, caller *Caller) (err error) {
	defer fs.observe("confirm_transfer", fs.clock.Now(), &err)

	if plan == nil {
		return NewPathError("confirm-transfer", "", ErrBadRequest, "no transfer plan")
	}
	defer fs.dirCache.Invalidate(plan.TargetMountID)

	scope := fs.resolver.NewScope()
	var missing errs.Group
	for _, pair := range plan.Pairs {
		res, err := fs.resolve(ctx, scope, "confirm-transfer", pair.TargetPath, caller, CapReader)
		if err != nil {
			return err
		}
		ok, err := res.Driver.Exists(ctx, res.Target)
		if err != nil {
			return err
		}
		if !ok {
			missing.Add(Error.New("%s not transferred", pair.TargetPath))
		}
	}
	if err := missing.Err(); err != nil {
		return &PathError{Op: "confirm-transfer", Path: plan.TargetRoot, Err: fmt.Errorf("%w: %w", ErrNotFound, err)}
	}
	return nil
}
