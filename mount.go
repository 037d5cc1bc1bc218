package cloudvfs

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProxyPolicy selects how WebDAV reads of a mount are served.
type ProxyPolicy string

const (
	ProxyRedirect ProxyPolicy = "redirect"
	ProxyStream   ProxyPolicy = "proxy"
)

// Mount binds a virtual path prefix to one storage account.
type Mount struct {
	ID              string      `yaml:"id"`
	Path            string      `yaml:"path"`
	StorageType     string      `yaml:"storage_type"`
	StorageConfigID string      `yaml:"storage_config_id"`
	Active          bool        `yaml:"active"`
	CacheTTL        int         `yaml:"cache_ttl"`
	SortOrder       int         `yaml:"sort_order"`
	WebProxy        bool        `yaml:"web_proxy"`
	ProxyPolicy     ProxyPolicy `yaml:"proxy_policy"`
	ReadOnly        bool        `yaml:"read_only"`
}

// CacheDuration returns the listing cache lifetime; zero disables caching.
func (m *Mount) CacheDuration() time.Duration {
	if m == nil || m.CacheTTL <= 0 {
		return 0
	}
	return time.Duration(m.CacheTTL) * time.Second
}

// CallerType distinguishes administrators from path-scoped callers.
type CallerType string

const (
	CallerAdmin     CallerType = "admin"
	CallerScoped    CallerType = "scoped"
	CallerAnonymous CallerType = "anonymous"
)

// Caller is the identity an operation runs as.
type Caller struct {
	Type CallerType
	ID   string
	// AllowedPrefix confines scoped and anonymous callers to a subtree. An
	// empty prefix grants them nothing; "/" grants every mount.
	AllowedPrefix string
}

// Admin returns an administrator caller.
func Admin(id string) *Caller {
	return &Caller{Type: CallerAdmin, ID: id}
}

// Scoped returns a caller confined to allowedPrefix.
func Scoped(id, allowedPrefix string) *Caller {
	return &Caller{Type: CallerScoped, ID: id, AllowedPrefix: allowedPrefix}
}

// scope returns the normalized subtree a non-admin caller is confined to,
// or false when the caller may see nothing.
func (c *Caller) scope() (string, bool) {
	if c == nil || strings.TrimSpace(c.AllowedPrefix) == "" {
		return "", false
	}
	return normalizeMountPath(c.AllowedPrefix), true
}

// Allows reports whether the caller may operate on virtual path p.
func (c *Caller) Allows(p string) bool {
	if c != nil && c.Type == CallerAdmin {
		return true
	}
	allowed, ok := c.scope()
	return ok && hasPathPrefix(p, allowed)
}

// sees reports whether any part of the mount is inside the caller's scope.
func (c *Caller) sees(mountPath string) bool {
	if c != nil && c.Type == CallerAdmin {
		return true
	}
	allowed, ok := c.scope()
	return ok && (hasPathPrefix(mountPath, allowed) || hasPathPrefix(allowed, mountPath))
}

// MountStore is the persistence the resolver reads mounts and accounts from.
type MountStore interface {
	ActiveMounts(ctx context.Context) ([]Mount, error)
	StorageConfig(ctx context.Context, storageType, id string) (*StorageConfig, error)
}

// FileRegistry tracks uploaded objects outside the backend. Deleting a key
// without a record is not an error.
type FileRegistry interface {
	DeleteByKey(ctx context.Context, storageConfigID, key string) error
}

// Resolved is a virtual path bound to its mount and driver.
type Resolved struct {
	Driver  Driver
	Mount   *Mount
	SubPath string
	Target  Target
}

// Resolver maps virtual paths onto mounts and drivers.
type Resolver struct {
	store   MountStore
	factory *Factory
	deps    Deps
	log     *zap.Logger
}

// NewResolver creates a resolver. A nil factory means DefaultFactory.
func NewResolver(store MountStore, factory *Factory, deps Deps) *Resolver {
	if factory == nil {
		factory = DefaultFactory
	}
	deps = deps.withDefaults()
	return &Resolver{
		store:   store,
		factory: factory,
		deps:    deps,
		log:     deps.Logger.Named("resolver"),
	}
}

// Deps returns the collaborators drivers are built with.
func (r *Resolver) Deps() Deps { return r.deps }

// NewScope starts a request scope. Mounts are loaded and drivers are
// constructed at most once per scope.
func (r *Resolver) NewScope() *Scope {
	return &Scope{r: r, drivers: make(map[string]Driver)}
}

// Resolve resolves p in a fresh scope.
func (r *Resolver) Resolve(ctx context.Context, p string, caller *Caller) (*Resolved, error) {
	return r.NewScope().Resolve(ctx, p, caller)
}

// ListMounts returns mounts visible to caller in a fresh scope.
func (r *Resolver) ListMounts(ctx context.Context, dir string, caller *Caller) ([]FileInfo, error) {
	return r.NewScope().ListMounts(ctx, dir, caller)
}

// Mounts returns the active mounts caller can see, in store order.
func (r *Resolver) Mounts(ctx context.Context, caller *Caller) ([]Mount, error) {
	return r.NewScope().Mounts(ctx, caller)
}

// Scope memoizes mounts and drivers for the lifetime of one request.
type Scope struct {
	r *Resolver

	mu      sync.Mutex
	mounts  []Mount
	loaded  bool
	drivers map[string]Driver
}

func (s *Scope) activeMounts(ctx context.Context) ([]Mount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.mounts, nil
	}
	all, err := s.r.store.ActiveMounts(ctx)
	if err != nil {
		return nil, WrapPathErr("load-mounts", "/", err)
	}
	mounts := make([]Mount, 0, len(all))
	for _, m := range all {
		if !m.Active {
			continue
		}
		m.Path = normalizeMountPath(m.Path)
		mounts = append(mounts, m)
	}
	s.mounts, s.loaded = mounts, true
	return mounts, nil
}

// Resolve picks the mount owning p: the longest segment-aligned prefix,
// ties broken by ascending SortOrder.
func (s *Scope) Resolve(ctx context.Context, p string, caller *Caller) (*Resolved, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	mounts, err := s.activeMounts(ctx)
	if err != nil {
		return nil, err
	}

	var best *Mount
	for i := range mounts {
		m := &mounts[i]
		if !hasPathPrefix(cleaned, m.Path) {
			continue
		}
		if best == nil || len(m.Path) > len(best.Path) ||
			(len(m.Path) == len(best.Path) && m.SortOrder < best.SortOrder) {
			best = m
		}
	}
	if best == nil {
		return nil, NewPathError("resolve", cleaned, ErrNotFound, "no mount")
	}
	if !caller.Allows(cleaned) {
		return nil, NewPathError("resolve", cleaned, ErrForbidden, "outside caller scope")
	}

	d, err := s.driver(ctx, best)
	if err != nil {
		return nil, err
	}
	mount := *best
	sub := subPathOf(cleaned, mount.Path)
	t := Target{Mount: &mount, SubPath: sub}
	return &Resolved{Driver: d, Mount: &mount, SubPath: sub, Target: t}, nil
}

// subPathOf strips mountPath from p. The mount root maps to "/".
func subPathOf(p, mountPath string) string {
	rest := strings.TrimPrefix(p, strings.TrimRight(mountPath, "/"))
	if rest == "" || rest == "/" {
		return "/"
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

func (s *Scope) driver(ctx context.Context, m *Mount) (Driver, error) {
	key := m.StorageType + "/" + m.StorageConfigID

	s.mu.Lock()
	d, ok := s.drivers[key]
	s.mu.Unlock()

	if !ok {
		cfg, err := s.r.store.StorageConfig(ctx, m.StorageType, m.StorageConfigID)
		if err != nil {
			return nil, WrapPathErr("load-storage-config", m.Path, err)
		}
		d, err = s.r.factory.CreateDriver(ctx, m.StorageType, cfg, s.r.deps)
		if err != nil {
			s.r.log.Warn("driver construction failed",
				zap.String("mount", m.ID),
				zap.String("storage_config", m.StorageConfigID),
				zap.Error(err))
			return nil, err
		}
		s.mu.Lock()
		s.drivers[key] = d
		s.mu.Unlock()
	}

	if m.ReadOnly {
		return ReadOnly(d), nil
	}
	return d, nil
}

// Mounts returns the active mounts caller can see.
func (s *Scope) Mounts(ctx context.Context, caller *Caller) ([]Mount, error) {
	mounts, err := s.activeMounts(ctx)
	if err != nil {
		return nil, err
	}
	var out []Mount
	for _, m := range mounts {
		if caller.sees(m.Path) {
			out = append(out, m)
		}
	}
	return out, nil
}

// ListMounts returns one virtual directory per mount below dir that the
// caller can see, named by the next path segment.
func (s *Scope) ListMounts(ctx context.Context, dir string, caller *Caller) ([]FileInfo, error) {
	cleaned, err := CleanPath(dir)
	if err != nil {
		return nil, err
	}
	mounts, err := s.activeMounts(ctx)
	if err != nil {
		return nil, err
	}
	parent := normalizeMountPath(cleaned)

	seen := make(map[string]bool)
	var files []FileInfo
	for i := range mounts {
		m := &mounts[i]
		if m.Path == parent || !hasPathPrefix(m.Path, parent) || !caller.sees(m.Path) {
			continue
		}
		remaining := strings.TrimPrefix(strings.TrimPrefix(m.Path, parent), "/")
		name := strings.SplitN(remaining, "/", 2)[0]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		info := FileInfo{
			Name:  name,
			Path:  AsDir(path.Join(parent, name)),
			IsDir: true,
		}
		if path.Join(parent, name) == m.Path {
			info.MountID = m.ID
		}
		files = append(files, info)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// normalizeMountPath ensures the path starts with "/" and has no trailing slash.
func normalizeMountPath(p string) string {
	if p == "" {
		return "/"
	}
	// Ensure leading slash
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	// Clean the path
	return path.Clean(p)
}

// isResolveMiss reports whether err means no mount owns the path.
func isResolveMiss(err error) bool {
	var pe *PathError
	return errors.As(err, &pe) && pe.Op == "resolve" && errors.Is(err, ErrNotFound)
}
