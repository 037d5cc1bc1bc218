// Package postgres persists mounts, storage accounts and the uploaded-file
// registry in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/gobeaver/cloudvfs"
)

// Error is the error class of the postgres store.
var Error = errs.Class("postgres store")

// uniqueViolation is the SQLSTATE of a unique constraint failure.
const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS storage_configs (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	storage_type         TEXT NOT NULL DEFAULT 's3',
	provider             TEXT NOT NULL,
	access_key_id        TEXT NOT NULL,
	secret_access_key    TEXT NOT NULL,
	endpoint_url         TEXT NOT NULL,
	bucket_name          TEXT NOT NULL,
	region               TEXT NOT NULL DEFAULT '',
	path_style           BOOLEAN NOT NULL DEFAULT FALSE,
	root_prefix          TEXT NOT NULL DEFAULT '',
	default_folder       TEXT NOT NULL DEFAULT '',
	custom_host          TEXT NOT NULL DEFAULT '',
	signature_expires_in INTEGER NOT NULL DEFAULT 0,
	total_storage_bytes  BIGINT NOT NULL DEFAULT 0,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS mounts (
	id                TEXT PRIMARY KEY,
	path              TEXT NOT NULL,
	storage_type      TEXT NOT NULL DEFAULT 's3',
	storage_config_id TEXT NOT NULL REFERENCES storage_configs(id),
	active            BOOLEAN NOT NULL DEFAULT TRUE,
	cache_ttl         INTEGER NOT NULL DEFAULT 0,
	sort_order        INTEGER NOT NULL DEFAULT 0,
	web_proxy         BOOLEAN NOT NULL DEFAULT FALSE,
	proxy_policy      TEXT NOT NULL DEFAULT 'redirect',
	read_only         BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS mounts_path_order ON mounts(path, sort_order);
CREATE TABLE IF NOT EXISTS files (
	storage_config_id TEXT NOT NULL,
	object_key        TEXT NOT NULL,
	size              BIGINT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (storage_config_id, object_key)
);
`

// Store implements cloudvfs.MountStore and cloudvfs.FileRegistry.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open connects to dsn and creates missing tables.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errs.Combine(Error.Wrap(err), db.Close())
	}
	s := New(db, log)
	if err := s.Migrate(ctx); err != nil {
		return nil, errs.Combine(err, db.Close())
	}
	return s, nil
}

// New wraps an open database.
func New(db *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log.Named("postgres-store")}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return Error.New("migrate: %v", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return Error.Wrap(s.db.Close())
}

// ActiveMounts implements cloudvfs.MountStore.
func (s *Store) ActiveMounts(ctx context.Context) (_ []cloudvfs.Mount, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, storage_type, storage_config_id, active, cache_ttl,
		       sort_order, web_proxy, proxy_policy, read_only
		FROM mounts
		WHERE active
		ORDER BY sort_order, path`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var mounts []cloudvfs.Mount
	for rows.Next() {
		var m cloudvfs.Mount
		var policy string
		if err := rows.Scan(&m.ID, &m.Path, &m.StorageType, &m.StorageConfigID, &m.Active,
			&m.CacheTTL, &m.SortOrder, &m.WebProxy, &policy, &m.ReadOnly); err != nil {
			return nil, Error.Wrap(err)
		}
		m.ProxyPolicy = cloudvfs.ProxyPolicy(policy)
		mounts = append(mounts, m)
	}
	return mounts, Error.Wrap(rows.Err())
}

// StorageConfig implements cloudvfs.MountStore.
func (s *Store) StorageConfig(ctx context.Context, storageType, id string) (*cloudvfs.StorageConfig, error) {
	var c cloudvfs.StorageConfig
	var provider string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, storage_type, provider, access_key_id, secret_access_key,
		       endpoint_url, bucket_name, region, path_style, root_prefix,
		       default_folder, custom_host, signature_expires_in,
		       total_storage_bytes, updated_at
		FROM storage_configs
		WHERE id = $1 AND storage_type = $2`, id, storageType).Scan(
		&c.ID, &c.Name, &c.StorageType, &provider, &c.AccessKeyID, &c.SecretAccessKey,
		&c.EndpointURL, &c.BucketName, &c.Region, &c.PathStyle, &c.RootPrefix,
		&c.DefaultFolder, &c.CustomHost, &c.SignatureExpiresIn,
		&c.TotalStorageBytes, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cloudvfs.NewPathError("load-storage-config", id, cloudvfs.ErrNotFound, "no %s account %q", storageType, id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	c.Provider = cloudvfs.Provider(provider)
	return &c, nil
}

// SaveStorageConfig inserts or replaces an account after validating it.
func (s *Store) SaveStorageConfig(ctx context.Context, c *cloudvfs.StorageConfig) error {
	if c.StorageType == "" {
		c.StorageType = cloudvfs.StorageTypeS3
	}
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO storage_configs (
			id, name, storage_type, provider, access_key_id, secret_access_key,
			endpoint_url, bucket_name, region, path_style, root_prefix,
			default_folder, custom_host, signature_expires_in, total_storage_bytes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			storage_type = EXCLUDED.storage_type,
			provider = EXCLUDED.provider,
			access_key_id = EXCLUDED.access_key_id,
			secret_access_key = EXCLUDED.secret_access_key,
			endpoint_url = EXCLUDED.endpoint_url,
			bucket_name = EXCLUDED.bucket_name,
			region = EXCLUDED.region,
			path_style = EXCLUDED.path_style,
			root_prefix = EXCLUDED.root_prefix,
			default_folder = EXCLUDED.default_folder,
			custom_host = EXCLUDED.custom_host,
			signature_expires_in = EXCLUDED.signature_expires_in,
			total_storage_bytes = EXCLUDED.total_storage_bytes,
			updated_at = NOW()`,
		c.ID, c.Name, c.StorageType, string(c.Provider), c.AccessKeyID, c.SecretAccessKey,
		c.EndpointURL, c.BucketName, c.Region, c.PathStyle, c.RootPrefix,
		c.DefaultFolder, c.CustomHost, c.SignatureExpiresIn, c.TotalStorageBytes)
	if err != nil {
		return Error.Wrap(err)
	}
	s.log.Info("storage config saved", zap.String("storage_config", c.ID), zap.String("provider", string(c.Provider)))
	return nil
}

// CreateMount inserts a mount. A mount with the same ID, or the same path
// and sort order, is a conflict.
func (s *Store) CreateMount(ctx context.Context, m cloudvfs.Mount) error {
	if m.ID == "" {
		return cloudvfs.NewPathError("create-mount", m.Path, cloudvfs.ErrBadRequest, "mount has no id")
	}
	cleaned, err := cloudvfs.CleanPath(m.Path)
	if err != nil {
		return err
	}
	if m.StorageType == "" {
		m.StorageType = cloudvfs.StorageTypeS3
	}
	if m.ProxyPolicy == "" {
		m.ProxyPolicy = cloudvfs.ProxyRedirect
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mounts (id, path, storage_type, storage_config_id, active,
		                    cache_ttl, sort_order, web_proxy, proxy_policy, read_only)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, cloudvfs.AsFile(cleaned), m.StorageType, m.StorageConfigID, m.Active,
		m.CacheTTL, m.SortOrder, m.WebProxy, string(m.ProxyPolicy), m.ReadOnly)
	return mapWriteError("create-mount", m.ID, err)
}

// SetMountActive enables or disables a mount.
func (s *Store) SetMountActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE mounts SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return Error.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if n == 0 {
		return cloudvfs.NewPathError("set-mount-active", id, cloudvfs.ErrNotFound, "no mount %q", id)
	}
	return nil
}

// RecordFile adds or replaces a registry entry.
func (s *Store) RecordFile(ctx context.Context, storageConfigID, key string, size int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (storage_config_id, object_key, size)
		VALUES ($1, $2, $3)
		ON CONFLICT (storage_config_id, object_key) DO UPDATE SET size = EXCLUDED.size`,
		storageConfigID, key, size)
	return Error.Wrap(err)
}

// DeleteByKey implements cloudvfs.FileRegistry. Unknown keys are ignored.
func (s *Store) DeleteByKey(ctx context.Context, storageConfigID, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM files WHERE storage_config_id = $1 AND object_key = $2`, storageConfigID, key)
	if err != nil {
		return Error.Wrap(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("file record removed", zap.String("storage_config", storageConfigID), zap.String("key", key))
	}
	return nil
}

// mapWriteError turns unique violations into ErrConflict.
func mapWriteError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return cloudvfs.NewPathError(op, id, cloudvfs.ErrConflict, "%s", pqErr.Message)
	}
	return Error.Wrap(err)
}

var (
	_ cloudvfs.MountStore   = (*Store)(nil)
	_ cloudvfs.FileRegistry = (*Store)(nil)
)
