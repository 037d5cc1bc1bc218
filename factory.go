package cloudvfs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Deps are the shared collaborators handed to every driver constructor.
type Deps struct {
	Config    *Config
	DirCache  *DirCache
	URLCache  *URLCache
	Decrypter Decrypter
	// Secret is passed to Decrypter for every stored credential.
	Secret   string
	Registry FileRegistry
	Logger   *zap.Logger
	Metrics  *Metrics
	Clock    Clock
}

// withDefaults returns deps with nil fields replaced by working defaults.
func (d Deps) withDefaults() Deps {
	if d.Config == nil {
		d.Config = DefaultConfig()
	} else {
		d.Config.WithDefaults()
	}
	if d.Decrypter == nil {
		d.Decrypter = AESDecrypter{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = SystemClock{}
	}
	return d
}

// DriverConstructor builds an uninitialized driver for one storage account.
type DriverConstructor func(cfg *StorageConfig, deps Deps) (Driver, error)

// Factory maps storage type tags to driver constructors.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]DriverConstructor
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]DriverConstructor)}
}

// DefaultFactory holds the drivers registered from package init functions.
var DefaultFactory = NewFactory()

// RegisterDriver registers a driver constructor on DefaultFactory
func RegisterDriver(storageType string, ctor DriverConstructor) {
	DefaultFactory.Register(storageType, ctor)
}

// Register adds or replaces the constructor for storageType.
func (f *Factory) Register(storageType string, ctor DriverConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[storageType] = ctor
}

// Types returns the registered storage types in sorted order.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.constructors))
	for t := range f.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// CreateDriver validates cfg, constructs the driver registered for
// storageType and initializes it.
func (f *Factory) CreateDriver(ctx context.Context, storageType string, cfg *StorageConfig, deps Deps) (Driver, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[storageType]
	f.mu.RUnlock()
	if !ok {
		return nil, NewPathError("create-driver", storageType, ErrBadRequest, "storage type %q not registered", storageType)
	}
	if cfg == nil {
		return nil, NewPathError("create-driver", storageType, ErrBadRequest, "missing storage config")
	}
	if cfg.StorageType != "" && cfg.StorageType != storageType {
		return nil, NewPathError("create-driver", cfg.ID, ErrBadRequest,
			"storage config has type %q, want %q", cfg.StorageType, storageType)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d, err := ctor(cfg, deps.withDefaults())
	if err != nil {
		return nil, WrapPathErr("create-driver", cfg.ID, err)
	}
	if err := d.Initialize(ctx); err != nil {
		return nil, WrapPathErr("initialize", cfg.ID, fmt.Errorf("%s driver: %w", storageType, err))
	}
	return d, nil
}
