// Package memory keeps mounts, storage accounts and the uploaded-file registry
// in process memory. Definitions are usually loaded from a YAML file.
package memory

import (
	"bytes"
	"context"
	"os"
	"sort"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gobeaver/cloudvfs"
)

// Error is the error class of the memory store.
var Error = errs.Class("memory store")

// File is the YAML layout of a mounts file.
type File struct {
	Accounts []cloudvfs.StorageConfig `yaml:"accounts"`
	Mounts   []mountEntry             `yaml:"mounts"`
}

// mountEntry decodes a mount with active defaulting to true and the storage
// type defaulting to s3.
type mountEntry struct {
	cloudvfs.Mount
}

func (e *mountEntry) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode(&e.Mount); err != nil {
		return err
	}
	var probe struct {
		Active *bool `yaml:"active"`
	}
	if err := value.Decode(&probe); err != nil {
		return err
	}
	if probe.Active == nil {
		e.Active = true
	}
	return nil
}

// FileRecord is one uploaded object tracked by the registry.
type FileRecord struct {
	StorageConfigID string
	Key             string
	Size            int64
}

// Store implements cloudvfs.MountStore and cloudvfs.FileRegistry.
type Store struct {
	log *zap.Logger

	mu       sync.RWMutex
	mounts   []cloudvfs.Mount
	accounts map[string]cloudvfs.StorageConfig
	files    map[string]map[string]FileRecord
}

// New creates an empty store.
func New(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		log:      log.Named("memory-store"),
		accounts: make(map[string]cloudvfs.StorageConfig),
		files:    make(map[string]map[string]FileRecord),
	}
}

// Load reads a mounts file from disk.
func Load(path string, log *zap.Logger) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.New("read %s: %v", path, err)
	}
	return Parse(data, log)
}

// Parse builds a store from YAML. Every invalid account or mount is
// reported in one error.
func Parse(data []byte, log *zap.Logger) (*Store, error) {
	s := New(log)
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, Error.New("parse mounts file: %v", err)
	}

	var group errs.Group
	for _, acct := range f.Accounts {
		group.Add(s.AddStorageConfig(acct))
	}
	for _, e := range f.Mounts {
		group.Add(s.AddMount(e.Mount))
	}
	if err := group.Err(); err != nil {
		return nil, err
	}
	s.log.Debug("mounts loaded", zap.Int("accounts", len(f.Accounts)), zap.Int("mounts", len(f.Mounts)))
	return s, nil
}

// AddStorageConfig validates and stores an account. An empty storage type
// means s3.
func (s *Store) AddStorageConfig(cfg cloudvfs.StorageConfig) error {
	if cfg.StorageType == "" {
		cfg.StorageType = cloudvfs.StorageTypeS3
	}
	if err := cfg.Validate(); err != nil {
		return Error.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[cfg.ID]; ok {
		return Error.New("account %q defined twice", cfg.ID)
	}
	s.accounts[cfg.ID] = cfg
	return nil
}

// AddMount validates and stores a mount. Its account must already exist.
func (s *Store) AddMount(m cloudvfs.Mount) error {
	if m.ID == "" {
		return Error.New("mount at %q has no id", m.Path)
	}
	if m.StorageType == "" {
		m.StorageType = cloudvfs.StorageTypeS3
	}
	if m.ProxyPolicy == "" {
		m.ProxyPolicy = cloudvfs.ProxyRedirect
	}
	if m.ProxyPolicy != cloudvfs.ProxyRedirect && m.ProxyPolicy != cloudvfs.ProxyStream {
		return Error.New("mount %q: unknown proxy policy %q", m.ID, m.ProxyPolicy)
	}
	cleaned, err := cloudvfs.CleanPath(m.Path)
	if err != nil {
		return Error.New("mount %q: %v", m.ID, err)
	}
	m.Path = cloudvfs.AsFile(cleaned)

	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[m.StorageConfigID]
	if !ok {
		return Error.New("mount %q references unknown account %q", m.ID, m.StorageConfigID)
	}
	if acct.StorageType != m.StorageType {
		return Error.New("mount %q has storage type %q but account %q is %q", m.ID, m.StorageType, acct.ID, acct.StorageType)
	}
	for _, existing := range s.mounts {
		if existing.ID == m.ID {
			return Error.New("mount %q defined twice", m.ID)
		}
	}
	s.mounts = append(s.mounts, m)
	return nil
}

// ActiveMounts implements cloudvfs.MountStore. Mounts come back ordered by
// sort order, then path.
func (s *Store) ActiveMounts(ctx context.Context) ([]cloudvfs.Mount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]cloudvfs.Mount, 0, len(s.mounts))
	for _, m := range s.mounts {
		if m.Active {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// StorageConfig implements cloudvfs.MountStore. Callers get their own copy.
func (s *Store) StorageConfig(ctx context.Context, storageType, id string) (*cloudvfs.StorageConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	acct, ok := s.accounts[id]
	s.mu.RUnlock()
	if !ok || acct.StorageType != storageType {
		return nil, cloudvfs.NewPathError("load-storage-config", id, cloudvfs.ErrNotFound, "no %s account %q", storageType, id)
	}
	return &acct, nil
}

// Accounts returns every stored account ordered by ID.
func (s *Store) Accounts() []cloudvfs.StorageConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cloudvfs.StorageConfig, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordFile adds or replaces a registry entry.
func (s *Store) RecordFile(ctx context.Context, rec FileRecord) error {
	if rec.StorageConfigID == "" || rec.Key == "" {
		return Error.New("file record needs an account and a key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.files[rec.StorageConfigID]
	if !ok {
		byKey = make(map[string]FileRecord)
		s.files[rec.StorageConfigID] = byKey
	}
	byKey[rec.Key] = rec
	return nil
}

// DeleteByKey implements cloudvfs.FileRegistry. Unknown keys are ignored.
func (s *Store) DeleteByKey(ctx context.Context, storageConfigID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := s.files[storageConfigID]
	if _, ok := byKey[key]; !ok {
		return nil
	}
	delete(byKey, key)
	if len(byKey) == 0 {
		delete(s.files, storageConfigID)
	}
	s.log.Debug("file record removed", zap.String("storage_config", storageConfigID), zap.String("key", key))
	return nil
}

// Files lists the registry entries of an account ordered by key.
func (s *Store) Files(storageConfigID string) []FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FileRecord, 0, len(s.files[storageConfigID]))
	for _, rec := range s.files[storageConfigID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

var (
	_ cloudvfs.MountStore   = (*Store)(nil)
	_ cloudvfs.FileRegistry = (*Store)(nil)
)
