package cloudvfs

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/zeebo/errs"
)

// StorageTypeS3 is the storage type tag of S3-compatible accounts.
const StorageTypeS3 = "s3"

// Provider tags the S3-compatible service behind an account.
type Provider string

const (
	ProviderAWS       Provider = "aws"
	ProviderR2        Provider = "r2"
	ProviderB2        Provider = "b2"
	ProviderAliyunOSS Provider = "aliyun_oss"
	ProviderOther     Provider = "other"
)

// Valid reports whether p is a known provider tag.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAWS, ProviderR2, ProviderB2, ProviderAliyunOSS, ProviderOther:
		return true
	}
	return false
}

// ConfigError is the class of storage config validation failures.
var ConfigError = errs.Class("storage config")

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9.-]+$`)

// StorageConfig describes one storage account. Credentials are stored
// encrypted and decrypted by the driver on Initialize.
type StorageConfig struct {
	ID                 string    `yaml:"id"`
	Name               string    `yaml:"name"`
	StorageType        string    `yaml:"storage_type"`
	Provider           Provider  `yaml:"provider"`
	AccessKeyID        string    `yaml:"access_key_id"`
	SecretAccessKey    string    `yaml:"secret_access_key"`
	EndpointURL        string    `yaml:"endpoint_url"`
	BucketName         string    `yaml:"bucket_name"`
	Region             string    `yaml:"region"`
	PathStyle          bool      `yaml:"path_style"`
	RootPrefix         string    `yaml:"root_prefix"`
	DefaultFolder      string    `yaml:"default_folder"`
	CustomHost         string    `yaml:"custom_host"`
	SignatureExpiresIn int       `yaml:"signature_expires_in"`
	TotalStorageBytes  int64     `yaml:"total_storage_bytes"`
	UpdatedAt          time.Time `yaml:"updated_at"`
}

// Validate checks every field an object storage account needs and returns
// one error naming all offending fields.
func (c *StorageConfig) Validate() error {
	var group errs.Group
	if c.ID == "" {
		group.Add(ConfigError.New("id is required"))
	}
	if c.Name == "" {
		group.Add(ConfigError.New("name is required"))
	}
	if !c.Provider.Valid() {
		group.Add(ConfigError.New("provider %q is not one of aws, r2, b2, aliyun_oss, other", c.Provider))
	}
	if err := validateEndpoint(c.EndpointURL); err != nil {
		group.Add(err)
	}
	if !bucketNamePattern.MatchString(c.BucketName) {
		group.Add(ConfigError.New("bucket_name %q must match [a-z0-9.-]+", c.BucketName))
	}
	if c.AccessKeyID == "" {
		group.Add(ConfigError.New("access_key_id is required"))
	}
	if c.SecretAccessKey == "" {
		group.Add(ConfigError.New("secret_access_key is required"))
	}
	if c.SignatureExpiresIn < 0 {
		group.Add(ConfigError.New("signature_expires_in must not be negative"))
	}
	if c.TotalStorageBytes < 0 {
		group.Add(ConfigError.New("total_storage_bytes must not be negative"))
	}
	if c.CustomHost != "" {
		if u, err := url.Parse(c.CustomHost); err != nil || u.Host == "" {
			group.Add(ConfigError.New("custom_host %q must be an absolute URL", c.CustomHost))
		}
	}

	if err := group.Err(); err != nil {
		return &PathError{Op: "validate-config", Path: c.ID, Err: fmt.Errorf("%w: %w", ErrBadRequest, err)}
	}
	return nil
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return ConfigError.New("endpoint_url is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return ConfigError.New("endpoint_url %q is malformed: %v", endpoint, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ConfigError.New("endpoint_url %q must be an absolute http(s) URL", endpoint)
	}
	return nil
}

// SignatureTTL returns the account's signed URL lifetime, or def when unset.
func (c *StorageConfig) SignatureTTL(def time.Duration) time.Duration {
	if c.SignatureExpiresIn > 0 {
		return time.Duration(c.SignatureExpiresIn) * time.Second
	}
	if def > 0 {
		return def
	}
	return time.Hour
}
