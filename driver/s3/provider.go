package s3

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/gobeaver/cloudvfs"
)

// clientProfile holds the client settings that differ between providers.
type clientProfile struct {
	Region           string
	PathStyle        bool
	VirtualHosted    bool
	RequestChecksum  aws.RequestChecksumCalculation
	ResponseChecksum aws.ResponseChecksumValidation
	MaxAttempts      int
	MaxBackoff       time.Duration
	Timeout          time.Duration
}

const defaultRegion = "us-east-1"

// profiles is the per-provider strategy table. Only AWS accepts the default
// integrity checksums on every operation.
var profiles = map[cloudvfs.Provider]clientProfile{
	cloudvfs.ProviderAWS: {
		Region:           defaultRegion,
		RequestChecksum:  aws.RequestChecksumCalculationWhenSupported,
		ResponseChecksum: aws.ResponseChecksumValidationWhenSupported,
		MaxAttempts:      3,
		MaxBackoff:       20 * time.Second,
		Timeout:          30 * time.Second,
	},
	cloudvfs.ProviderR2: {
		Region:           "auto",
		PathStyle:        true,
		RequestChecksum:  aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksum: aws.ResponseChecksumValidationWhenRequired,
		MaxAttempts:      5,
		MaxBackoff:       20 * time.Second,
		Timeout:          60 * time.Second,
	},
	cloudvfs.ProviderB2: {
		Region:           defaultRegion,
		RequestChecksum:  aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksum: aws.ResponseChecksumValidationWhenRequired,
		MaxAttempts:      5,
		MaxBackoff:       20 * time.Second,
		Timeout:          60 * time.Second,
	},
	cloudvfs.ProviderAliyunOSS: {
		Region:           defaultRegion,
		VirtualHosted:    true,
		RequestChecksum:  aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksum: aws.ResponseChecksumValidationWhenRequired,
		MaxAttempts:      3,
		MaxBackoff:       20 * time.Second,
		Timeout:          60 * time.Second,
	},
	cloudvfs.ProviderOther: {
		Region:           defaultRegion,
		RequestChecksum:  aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksum: aws.ResponseChecksumValidationWhenRequired,
		MaxAttempts:      3,
		MaxBackoff:       20 * time.Second,
		Timeout:          30 * time.Second,
	},
}

// profileFor resolves the client profile of an account. The account region
// and path-style flag override the table, except where the provider forces
// an addressing style.
func profileFor(cfg *cloudvfs.StorageConfig) clientProfile {
	p, ok := profiles[cfg.Provider]
	if !ok {
		p = profiles[cloudvfs.ProviderOther]
	}
	if cfg.Region != "" && cfg.Provider != cloudvfs.ProviderR2 {
		p.Region = cfg.Region
	}
	switch {
	case p.VirtualHosted:
		p.PathStyle = false
	case cfg.PathStyle:
		p.PathStyle = true
	}
	return p
}
