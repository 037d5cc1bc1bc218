// Command cloudvfs browses and edits the virtual filesystem from a shell.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/gobeaver/cloudvfs"
	_ "github.com/gobeaver/cloudvfs/driver/s3"
	"github.com/gobeaver/cloudvfs/store/memory"
	"github.com/gobeaver/cloudvfs/store/postgres"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	if err = errs.Combine(err, a.close()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}

// recorder is the part of a store that tracks uploaded objects.
type recorder interface {
	record(ctx context.Context, storageConfigID, key string, size int64) error
}

type memoryRecorder struct{ *memory.Store }

func (r memoryRecorder) record(ctx context.Context, storageConfigID, key string, size int64) error {
	return r.RecordFile(ctx, memory.FileRecord{StorageConfigID: storageConfigID, Key: key, Size: size})
}

type postgresRecorder struct{ *postgres.Store }

func (r postgresRecorder) record(ctx context.Context, storageConfigID, key string, size int64) error {
	return r.RecordFile(ctx, storageConfigID, key, size)
}

// app holds the state shared by every command.
type app struct {
	mountsFile string
	dsn        string
	secret     string
	user       string

	log      *zap.Logger
	fs       *cloudvfs.FileSystem
	resolver *cloudvfs.Resolver
	recorder recorder
	closers  []func() error
}

func (a *app) caller() *cloudvfs.Caller {
	return cloudvfs.Admin(a.user)
}

// open loads config and the mount store named by the flags.
func (a *app) open(ctx context.Context) error {
	if a.fs != nil {
		return nil
	}
	cfg, err := cloudvfs.GetConfig()
	if err != nil {
		return err
	}
	if a.mountsFile == "" {
		a.mountsFile = cfg.MountsFile
	}
	if a.dsn == "" {
		a.dsn = cfg.PostgresDSN
	}
	if a.secret == "" {
		a.secret = cfg.EncryptionSecret
	}

	log, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	a.log = log
	a.closers = append(a.closers, func() error {
		_ = log.Sync()
		return nil
	})

	deps, err := cloudvfs.NewDeps(cfg, log, nil)
	if err != nil {
		return err
	}
	deps.Secret = a.secret
	if a.secret == "" {
		deps.Decrypter = cloudvfs.PlaintextDecrypter
	}

	var store cloudvfs.MountStore
	switch {
	case a.dsn != "":
		pg, err := postgres.Open(ctx, a.dsn, log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg.Close)
		store, deps.Registry, a.recorder = pg, pg, postgresRecorder{pg}
	case a.mountsFile != "":
		mem, err := memory.Load(a.mountsFile, log)
		if err != nil {
			return err
		}
		store, deps.Registry, a.recorder = mem, mem, memoryRecorder{mem}
	default:
		return errs.New("no mount store: pass --mounts or --dsn, or set BEAVER_CLOUDVFS_MOUNTS_FILE")
	}

	a.resolver = cloudvfs.NewResolver(store, nil, deps)
	a.fs = cloudvfs.New(a.resolver)
	return nil
}

func (a *app) close() error {
	var group errs.Group
	for i := len(a.closers) - 1; i >= 0; i-- {
		group.Add(a.closers[i]())
	}
	a.closers = nil
	return group.Err()
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cloudvfs",
		Short:         "Browse S3-compatible accounts through one virtual filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.mountsFile, "mounts", "", "YAML file with accounts and mounts")
	flags.StringVar(&a.dsn, "dsn", "", "PostgreSQL DSN to read accounts and mounts from")
	flags.StringVar(&a.secret, "secret", "", "secret that decrypts stored credentials; empty means plaintext")
	flags.StringVar(&a.user, "user", "cli", "caller id recorded in logs")

	cmd.AddCommand(
		newLsCmd(a),
		newStatCmd(a),
		newMkdirCmd(a),
		newRmCmd(a),
		newMvCmd(a),
		newCpCmd(a),
		newPresignCmd(a),
		newPutCmd(a),
		newGetCmd(a),
		newDfCmd(a),
	)
	return cmd
}
