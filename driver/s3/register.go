package s3

import "github.com/gobeaver/cloudvfs"

func init() {
	cloudvfs.RegisterDriver(cloudvfs.StorageTypeS3, createDriver)
}

func createDriver(cfg *cloudvfs.StorageConfig, deps cloudvfs.Deps) (cloudvfs.Driver, error) {
	return New(cfg, deps)
}
