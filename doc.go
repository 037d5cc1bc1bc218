// Package cloudvfs presents many S3-compatible storage accounts as one virtual
// filesystem. Mounts bind virtual paths to accounts; every request resolves
// its paths to a mount, builds the account's driver and runs the operation
// against the bucket.
//
// # Mounts and Accounts
//
// A [MountStore] supplies active [Mount] definitions and the [StorageConfig]
// of each account. Two stores ship with the module:
//
//   - In-memory, loaded from YAML (github.com/gobeaver/cloudvfs/store/memory)
//   - PostgreSQL (github.com/gobeaver/cloudvfs/store/postgres)
//
// The mount with the longest segment-aligned prefix of a path owns it. Ties
// go to the lower SortOrder. Paths above every mount list the mounts as
// virtual directories.
//
// # Basic Usage
//
//	import (
//	    "github.com/gobeaver/cloudvfs"
//	    _ "github.com/gobeaver/cloudvfs/driver/s3"
//	    "github.com/gobeaver/cloudvfs/store/memory"
//	)
//
//	store, err := memory.Load("mounts.yaml", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fs, err := cloudvfs.WithPrefix("BEAVER_").New(store, store)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx := context.Background()
//	admin := cloudvfs.Admin("ops")
//
//	// List the mount roots
//	root, err := fs.ListDirectory(ctx, "/", admin)
//
//	// Upload a file; large bodies switch to multipart
//	res, err := fs.UploadFile(ctx, "/docs/report.pdf", f, size, admin)
//
//	// Copy between accounts
//	out, err := fs.CopyItem(ctx, "/docs/report.pdf", "/archive/", admin, cloudvfs.CopyOptions{})
//
// # Capabilities
//
// Drivers declare what they support with a [Capability] set. Operations
// outside it fail with [ErrNotImplemented] before any backend call. Mounts
// marked read-only wrap their driver with [ReadOnly].
//
//	if res.Driver.HasCapability(cloudvfs.CapPresigned) {
//	    u, err := fs.GeneratePresignedURL(ctx, p, caller, cloudvfs.PresignOptions{})
//	}
//
// # Copies Between Accounts
//
// A copy inside one account runs as server-side CopyObject calls. A copy
// between accounts returns a [TransferPlan] of signed GET and PUT URL pairs;
// the caller moves the bytes and then calls [FileSystem.ConfirmTransfer].
//
// # Caching
//
// Directory listings are cached per mount for the mount's CacheTTL and
// dropped on every write below the mount. Signed URLs are cached per caller
// until shortly before they expire.
//
// # Error Handling
//
// Every failure is a [*PathError] wrapping one of the sentinel errors:
//
//	_, err := fs.GetFileInfo(ctx, "/docs/missing.txt", admin)
//	if cloudvfs.IsNotFound(err) {
//	    // No such object
//	}
//	status := cloudvfs.HTTPStatus(err)
//
// # Configuration
//
// Tunables load from environment variables with the BEAVER_CLOUDVFS_ prefix,
// or programmatically via the [Config] struct. See [GetConfig].
package cloudvfs
