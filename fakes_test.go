package cloudvfs

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const memType = "mem"

// memDriver keeps one account's objects in a map keyed by sub-path.
// Directories are stored as keys with a trailing slash.
type memDriver struct {
	UnimplementedDriver
	account string
	caps    Capability

	mu      sync.Mutex
	objects map[string][]byte
	calls   []string
}

func newMemDriver(account string, caps Capability) *memDriver {
	return &memDriver{
		UnimplementedDriver: UnimplementedDriver{Name: memType},
		account:             account,
		caps:                caps,
		objects:             make(map[string][]byte),
	}
}

func (m *memDriver) record(op string, t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op+" "+t.SubPath)
}

func (m *memDriver) put(subPath string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[subPath] = data
}

func (m *memDriver) get(subPath string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[subPath]
	return data, ok
}

func (m *memDriver) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *memDriver) Type() string                     { return memType }
func (m *memDriver) AccountID() string                { return m.account }
func (m *memDriver) Capabilities() Capability         { return m.caps }
func (m *memDriver) HasCapability(c Capability) bool  { return m.caps.Has(c) }
func (m *memDriver) Initialize(ctx context.Context) error { return nil }

func (m *memDriver) exists(subPath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if IsDirPath(subPath) {
		for k := range m.objects {
			if strings.HasPrefix(k, subPath) {
				return true
			}
		}
		return false
	}
	_, ok := m.objects[subPath]
	return ok
}

func (m *memDriver) ListDirectory(ctx context.Context, t Target) (*Listing, error) {
	m.record("list", t)
	dir := AsDir(t.SubPath)
	if dir != "/" && !m.exists(dir) {
		return nil, NewPathError("list", t.Path(), ErrNotFound, "no such directory")
	}
	m.mu.Lock()
	seen := make(map[string]bool)
	var items []FileInfo
	for k, data := range m.objects {
		if !strings.HasPrefix(k, dir) || k == dir {
			continue
		}
		rest := strings.TrimPrefix(k, dir)
		name, _, isDir := strings.Cut(rest, "/")
		if seen[name] {
			continue
		}
		seen[name] = true
		info := FileInfo{Name: name, IsDir: isDir, MountID: t.MountID()}
		if isDir {
			info.Path = t.WithSubPath(dir + name + "/").Path()
		} else {
			info.Path = t.WithSubPath(dir + name).Path()
			info.Size = int64(len(data))
		}
		items = append(items, info)
	}
	m.mu.Unlock()
	SortItems(items)
	return &Listing{Path: t.WithSubPath(dir).Path(), MountID: t.MountID(), Items: items}, nil
}

func (m *memDriver) Stat(ctx context.Context, t Target) (*FileInfo, error) {
	m.record("stat", t)
	if data, ok := m.get(t.SubPath); ok && !t.IsDir() {
		return &FileInfo{Name: BaseName(t.SubPath), Path: t.Path(), Size: int64(len(data)), MountID: t.MountID()}, nil
	}
	if dir := AsDir(t.SubPath); m.exists(dir) {
		return &FileInfo{Name: BaseName(dir), Path: t.WithSubPath(dir).Path(), IsDir: true, MountID: t.MountID()}, nil
	}
	return nil, NewPathError("stat", t.Path(), ErrNotFound, "no such file or directory")
}

func (m *memDriver) Exists(ctx context.Context, t Target) (bool, error) {
	m.record("exists", t)
	return m.exists(t.SubPath) || m.exists(AsDir(t.SubPath)), nil
}

func (m *memDriver) Open(ctx context.Context, t Target, opts ReadOptions) (*ObjectReader, error) {
	m.record("open", t)
	data, ok := m.get(t.SubPath)
	if !ok {
		return nil, NewPathError("open", t.Path(), ErrNotFound, "no such file")
	}
	return &ObjectReader{ReadCloser: io.NopCloser(bytes.NewReader(data)), ContentLength: int64(len(data))}, nil
}

func (m *memDriver) Upload(ctx context.Context, t Target, r io.Reader, opts UploadOptions) (*UploadResult, error) {
	m.record("upload", t)
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.put(t.SubPath, data)
	return &UploadResult{Path: t.Path(), Size: int64(len(data))}, nil
}

func (m *memDriver) CreateDirectory(ctx context.Context, t Target) error {
	m.record("mkdir", t)
	if m.exists(t.SubPath) {
		return NewPathError("mkdir", t.Path(), ErrConflict, "directory exists")
	}
	m.put(AsDir(t.SubPath), nil)
	return nil
}

func (m *memDriver) Remove(ctx context.Context, t Target) error {
	m.record("remove", t)
	if !m.exists(t.SubPath) && !m.exists(AsDir(t.SubPath)) {
		return NewPathError("remove", t.Path(), ErrNotFound, "no such file or directory")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.objects {
		if k == t.SubPath || strings.HasPrefix(k, AsDir(t.SubPath)) {
			delete(m.objects, k)
		}
	}
	return nil
}

func (m *memDriver) Rename(ctx context.Context, src, dst Target) error {
	m.record("rename", src)
	if m.exists(dst.SubPath) {
		return NewPathError("rename", dst.Path(), ErrConflict, "target exists")
	}
	data, ok := m.get(src.SubPath)
	if !ok {
		return NewPathError("rename", src.Path(), ErrNotFound, "no such file")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, src.SubPath)
	m.objects[dst.SubPath] = data
	return nil
}

func (m *memDriver) UniqueTarget(ctx context.Context, t Target) (Target, bool, error) {
	sub, renamed, err := DefaultCollisionPolicy.ResolveCollision(ctx, t.SubPath, func(ctx context.Context, p string) (bool, error) {
		return m.exists(p), nil
	})
	if err != nil {
		return t, false, err
	}
	return t.WithSubPath(sub), renamed, nil
}

func (m *memDriver) Copy(ctx context.Context, src, dst Target, opts CopyOptions) (*CopyResult, error) {
	m.record("copy", src)
	data, ok := m.get(src.SubPath)
	if !ok {
		return nil, NewPathError("copy", src.Path(), ErrNotFound, "no such file")
	}
	final, renamed, err := m.UniqueTarget(ctx, dst)
	if err != nil {
		return nil, err
	}
	result := &CopyResult{Source: src.Path(), OriginalTarget: dst.Path(), Target: final.Path(), Renamed: renamed, Objects: 1}
	if renamed && opts.SkipExisting {
		result.Target, result.Renamed, result.Skipped = dst.Path(), false, true
		return result, nil
	}
	m.put(final.SubPath, data)
	return result, nil
}

func (m *memDriver) CopyAcross(ctx context.Context, src, dst Target, dstDriver Driver, opts CopyOptions) (*CopyResult, error) {
	m.record("copy-across", src)
	data, ok := m.get(src.SubPath)
	if !ok {
		return nil, NewPathError("copy", src.Path(), ErrNotFound, "no such file")
	}
	final, renamed, err := dstDriver.UniqueTarget(ctx, dst)
	if err != nil {
		return nil, err
	}
	plan := &TransferPlan{
		SourceMountID: src.MountID(),
		TargetMountID: final.MountID(),
		TargetRoot:    final.Path(),
		Pairs: []TransferPair{{
			SourcePath:  src.Path(),
			TargetPath:  final.Path(),
			Size:        int64(len(data)),
			DownloadURL: "https://signed/" + m.account + src.SubPath,
			UploadURL:   "https://signed/" + dstDriver.AccountID() + final.SubPath,
		}},
	}
	return &CopyResult{Source: src.Path(), OriginalTarget: dst.Path(), Target: final.Path(), Renamed: renamed, Objects: 1, Transfer: plan}, nil
}

func (m *memDriver) PresignURL(ctx context.Context, t Target, opts PresignOptions) (*PresignedURL, error) {
	m.record("presign", t)
	method := http.MethodGet
	if opts.Operation == PresignUpload {
		method = http.MethodPut
	}
	u := "https://signed/" + m.account + t.SubPath
	if opts.ForceDownload {
		u += "?download"
	}
	return &PresignedURL{URL: u, Method: method, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

var _ Driver = (*memDriver)(nil)

// fakeStore serves fixed mounts and storage configs and counts lookups.
type fakeStore struct {
	mounts  []Mount
	configs map[string]*StorageConfig
	calls   atomic.Int64
	err     error
}

func (s *fakeStore) ActiveMounts(ctx context.Context) ([]Mount, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.mounts, nil
}

func (s *fakeStore) StorageConfig(ctx context.Context, storageType, id string) (*StorageConfig, error) {
	s.calls.Add(1)
	cfg, ok := s.configs[id]
	if !ok || cfg.StorageType != storageType {
		return nil, NewPathError("storage-config", id, ErrNotFound, "no storage config")
	}
	return cfg, nil
}

func validConfig(id, storageType string) *StorageConfig {
	return &StorageConfig{
		ID:              id,
		Name:            "account " + id,
		StorageType:     storageType,
		Provider:        ProviderOther,
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		EndpointURL:     "https://s3.example.com",
		BucketName:      "bucket-" + id,
	}
}

// harness wires a FileSystem over mem drivers, one per account.
type harness struct {
	fs      *FileSystem
	store   *fakeStore
	drivers map[string]*memDriver
	ctors   atomic.Int64
	deps    Deps
}

func newHarness(t *testing.T, mounts ...Mount) *harness {
	t.Helper()
	h := &harness{
		store:   &fakeStore{mounts: mounts, configs: make(map[string]*StorageConfig)},
		drivers: make(map[string]*memDriver),
	}
	for _, m := range mounts {
		if _, ok := h.drivers[m.StorageConfigID]; ok {
			continue
		}
		h.store.configs[m.StorageConfigID] = validConfig(m.StorageConfigID, memType)
		h.drivers[m.StorageConfigID] = newMemDriver(m.StorageConfigID, CapAll)
	}

	factory := NewFactory()
	factory.Register(memType, func(cfg *StorageConfig, deps Deps) (Driver, error) {
		h.ctors.Add(1)
		return h.drivers[cfg.ID], nil
	})

	dirCache, err := NewDirCache(16, nil, nil)
	require.NoError(t, err)
	h.deps = Deps{Config: DefaultConfig(), DirCache: dirCache, Logger: zaptest.NewLogger(t)}
	h.fs = New(NewResolver(h.store, factory, h.deps))
	return h
}

func memMount(id, p, account string) Mount {
	return Mount{ID: id, Path: p, StorageType: memType, StorageConfigID: account, Active: true}
}

// sortedKeys lists a driver's stored sub-paths.
func (m *memDriver) sortedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
