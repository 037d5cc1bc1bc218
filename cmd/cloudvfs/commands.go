package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gobeaver/cloudvfs"
)

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "/"
			if len(args) == 1 {
				dir = args[0]
			}
			listing, err := a.fs.ListDirectory(cmd.Context(), dir, a.caller())
			if err != nil {
				return err
			}
			return printListing(cmd.OutOrStdout(), listing)
		},
	}
}

func printListing(w io.Writer, listing *cloudvfs.Listing) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, item := range listing.Items {
		size, modified := "-", "-"
		name := item.Name
		if item.IsDir {
			name += "/"
		} else {
			size = humanize.IBytes(uint64(item.Size))
		}
		if !item.ModTime.IsZero() {
			modified = item.ModTime.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", size, modified, name)
	}
	return tw.Flush()
}

func newStatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show metadata and links of a file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := a.fs.GetFileInfo(cmd.Context(), args[0], a.caller())
			if err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func printInfo(w io.Writer, info *cloudvfs.FileInfo) {
	kind := "file"
	if info.IsDir {
		kind = "directory"
	}
	fmt.Fprintf(w, "path:     %s\n", info.Path)
	fmt.Fprintf(w, "type:     %s\n", kind)
	if info.MountID != "" {
		fmt.Fprintf(w, "mount:    %s\n", info.MountID)
	}
	if info.IsDir {
		return
	}
	fmt.Fprintf(w, "size:     %s (%d bytes)\n", humanize.IBytes(uint64(info.Size)), info.Size)
	if info.ContentType != "" {
		fmt.Fprintf(w, "content:  %s\n", info.ContentType)
	}
	if !info.ModTime.IsZero() {
		fmt.Fprintf(w, "modified: %s\n", info.ModTime.UTC().Format(time.RFC3339))
	}
	if info.ETag != "" {
		fmt.Fprintf(w, "etag:     %s\n", info.ETag)
	}
	if info.PreviewURL != "" {
		fmt.Fprintf(w, "preview:  %s\n", info.PreviewURL)
	}
	if info.DownloadURL != "" {
		fmt.Fprintf(w, "download: %s\n", info.DownloadURL)
	}
}

func newMkdirCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>...",
		Short: "Create directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, p := range args {
				if err := a.fs.CreateDirectory(cmd.Context(), p, a.caller()); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>...",
		Short: "Remove files and directories recursively",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return a.fs.RemoveItem(cmd.Context(), args[0], a.caller())
			}
			return printBatch(cmd.OutOrStdout(), "removed", a.fs.BatchRemoveItems(cmd.Context(), args, a.caller()))
		},
	}
}

func newMvCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mv <old> <new>",
		Short: "Rename within one mount",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fs.RenameItem(cmd.Context(), args[0], args[1], a.caller())
		},
	}
}

func newCpCmd(a *app) *cobra.Command {
	var skipExisting, planOnly bool
	var workers int
	cmd := &cobra.Command{
		Use:   "cp <source>... <target>",
		Short: "Copy files or directories, across accounts too",
		Long: "Copies inside one account happen on the server. Copies between accounts\n" +
			"stream each object through this process using signed URLs.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, out := cmd.Context(), cmd.OutOrStdout()
			sources, target := args[:len(args)-1], args[len(args)-1]

			items := make([]cloudvfs.CopyItem, 0, len(sources))
			for _, src := range sources {
				dst := target
				if len(sources) > 1 {
					dst = path.Join(target, path.Base(src))
				}
				items = append(items, cloudvfs.CopyItem{Source: src, Target: dst, SkipExisting: skipExisting})
			}
			result := a.fs.BatchCopyItems(ctx, items, a.caller())
			batchErr := printBatch(out, "copied", result)
			if planOnly {
				printPlans(out, result)
				return batchErr
			}

			t := &transferer{client: httpClient(), workers: workers, log: a.log}
			for _, item := range result.Items {
				if item.Transfer == nil {
					continue
				}
				if err := t.run(ctx, item.Transfer); err != nil {
					return err
				}
				if err := a.fs.ConfirmTransfer(ctx, item.Transfer, a.caller()); err != nil {
					return err
				}
				fmt.Fprintf(out, "transferred %d object(s) to %s\n", len(item.Transfer.Pairs), item.Transfer.TargetRoot)
			}
			return batchErr
		},
	}
	cmd.Flags().BoolVar(&skipExisting, "skip-existing", false, "leave existing targets alone instead of renaming")
	cmd.Flags().BoolVar(&planOnly, "plan-only", false, "print cross-account plans without moving bytes")
	cmd.Flags().IntVar(&workers, "workers", 4, "parallel object transfers between accounts")
	return cmd
}

// printBatch reports each item and fails when any item failed.
func printBatch(w io.Writer, verb string, result *cloudvfs.BatchResult) error {
	for _, item := range result.Items {
		switch {
		case item.Status == cloudvfs.BatchFailed:
			fmt.Fprintf(w, "failed   %s: %s\n", item.Path, item.Error)
		case item.Status == cloudvfs.BatchSkipped:
			fmt.Fprintf(w, "skipped  %s\n", item.Path)
		case item.RenamedTo != "":
			fmt.Fprintf(w, "%-8s %s -> %s (renamed)\n", verb, item.Path, item.RenamedTo)
		case item.Target != "":
			fmt.Fprintf(w, "%-8s %s -> %s\n", verb, item.Path, item.Target)
		default:
			fmt.Fprintf(w, "%-8s %s\n", verb, item.Path)
		}
	}
	if n := len(result.Failures); n > 0 {
		return fmt.Errorf("%d of %d item(s) failed", n, len(result.Items))
	}
	return nil
}

func printPlans(w io.Writer, result *cloudvfs.BatchResult) {
	for _, item := range result.Items {
		if item.Transfer == nil {
			continue
		}
		fmt.Fprintf(w, "plan %s -> %s, expires %s\n", item.Path, item.Transfer.TargetRoot, humanize.Time(item.Transfer.ExpiresAt))
		for _, pair := range item.Transfer.Pairs {
			fmt.Fprintf(w, "  %s -> %s (%s)\n", pair.SourcePath, pair.TargetPath, humanize.IBytes(uint64(pair.Size)))
		}
	}
}

func newPresignCmd(a *app) *cobra.Command {
	var upload, download bool
	var expires time.Duration
	cmd := &cobra.Command{
		Use:   "presign <path>",
		Short: "Print a signed URL for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cloudvfs.PresignOptions{
				Operation:     cloudvfs.PresignDownload,
				ForceDownload: download,
				ExpiresIn:     expires,
				NoCache:       true,
			}
			if upload {
				opts.Operation = cloudvfs.PresignUpload
			}
			u, err := a.fs.GeneratePresignedURL(cmd.Context(), args[0], a.caller(), opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, u.URL)
			if !u.Direct {
				fmt.Fprintf(out, "method %s, expires %s\n", u.Method, humanize.Time(u.ExpiresAt))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&upload, "upload", false, "sign a PUT instead of a GET")
	cmd.Flags().BoolVar(&download, "download", false, "force an attachment disposition")
	cmd.Flags().DurationVar(&expires, "expires", 0, "URL lifetime; zero uses the account default")
	cmd.MarkFlagsMutuallyExclusive("upload", "download")
	return cmd
}

func newPutCmd(a *app) *cobra.Command {
	var defaultFolder bool
	cmd := &cobra.Command{
		Use:   "put <local-file> <path>",
		Short: "Upload a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			st, err := f.Stat()
			if err != nil {
				return err
			}

			var opts []cloudvfs.UploadOption
			if defaultFolder {
				opts = append(opts, cloudvfs.WithDefaultFolder())
			}
			res, err := a.fs.UploadFile(ctx, args[1], f, st.Size(), a.caller(), opts...)
			if err != nil {
				return err
			}

			resolved, err := a.resolver.Resolve(ctx, res.Path, a.caller())
			if err == nil {
				err = a.recorder.record(ctx, resolved.Mount.StorageConfigID, res.Key, res.Size)
			}
			if err != nil {
				a.log.Warn("upload not recorded", zap.String("path", res.Path), zap.Error(err))
			}

			how := "single request"
			if res.Multipart {
				how = "multipart"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s (%s, %s)\n", res.Path, humanize.IBytes(uint64(res.Size)), how)
			return nil
		},
	}
	cmd.Flags().BoolVar(&defaultFolder, "default-folder", false, "place the file under the account's default folder")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path> [local-file]",
		Short: "Download a file to disk or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			r, err := a.fs.OpenFile(cmd.Context(), args[0], a.caller(), cloudvfs.ReadOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()

			w := cmd.OutOrStdout()
			if len(args) == 2 {
				var f *os.File
				if f, err = os.Create(args[1]); err != nil {
					return err
				}
				defer func() {
					if cerr := f.Close(); err == nil {
						err = cerr
					}
				}()
				w = f
			}
			_, err = io.Copy(w, r)
			return err
		},
	}
}

func newDfCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "df [path]...",
		Short: "Show bytes stored by the accounts behind mounts",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 0 {
				mounts, err := a.resolver.Mounts(ctx, a.caller())
				if err != nil {
					return err
				}
				for _, m := range mounts {
					args = append(args, m.Path)
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MOUNT\tACCOUNT\tUSED")
			seen := make(map[string]bool)
			for _, p := range args {
				res, err := a.resolver.Resolve(ctx, p, a.caller())
				if cloudvfs.IsNotFound(err) {
					continue
				}
				if err != nil {
					return err
				}
				if seen[res.Mount.ID] {
					continue
				}
				seen[res.Mount.ID] = true

				used, err := res.Driver.Usage(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", res.Mount.Path, res.Driver.AccountID(), humanize.IBytes(uint64(used)))
			}
			return tw.Flush()
		},
	}
}
