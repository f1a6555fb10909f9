package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/fruitsalade/poolgate/internal/federation"
	"github.com/fruitsalade/poolgate/internal/reconcile"
)

// FileFlags holds flags shared by the files subcommands
type FileFlags struct {
	Pool       int64
	ToPool     int64
	NoProgress bool
}

var fileFlags FileFlags

// NewFilesCommand creates the files command
func NewFilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Operate on files in a pool",
		Long: `Operate on files in one pool. Without --pool the active pool is used.
mv and cp accept --to-pool to transfer between pools.`,
	}

	cmd.PersistentFlags().Int64VarP(&fileFlags.Pool, "pool", "p", 0, "pool id (default: the active pool)")

	cmd.AddCommand(newFilesListCommand())
	cmd.AddCommand(newFilesStatCommand())
	cmd.AddCommand(newFilesPutCommand())
	cmd.AddCommand(newFilesGetCommand())
	cmd.AddCommand(newFilesRemoveCommand())
	cmd.AddCommand(newFilesTransferCommand("mv", "Move or rename a file or directory", true))
	cmd.AddCommand(newFilesTransferCommand("cp", "Copy a file or directory", false))
	cmd.AddCommand(newFilesMkdirCommand())
	cmd.AddCommand(newFilesRecordsCommand())

	return cmd
}

func newFilesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			p := "/"
			if len(args) == 1 {
				p = args[0]
			}
			entries, err := a.gw.ListFiles(ctx, fileFlags.Pool, p)
			if err != nil {
				return err
			}
			return newPrinter(os.Stdout).entries(entries)
		}),
	}
}

func newFilesStatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show one entry",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			e, err := a.gw.StatFile(ctx, fileFlags.Pool, args[0])
			if err != nil {
				return err
			}
			return newPrinter(os.Stdout).entry(e)
		}),
	}
}

func showProgress() bool {
	return !fileFlags.NoProgress && globalFlags.Output == "human"
}

func newProgressBar(total int64) *pb.ProgressBar {
	bar := pb.New64(total)
	bar.Set(pb.Bytes, true)
	bar.SetWriter(os.Stderr)
	if total <= 0 {
		bar.SetTemplate(pb.Simple)
	} else {
		bar.SetTemplate(pb.Full)
	}
	return bar.Start()
}

func newFilesPutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <local-file> [remote-path]",
		Short: "Upload a local file",
		Long:  `Upload a local file. The remote path defaults to the file name at the pool root. Use - to read stdin.`,
		Args:  cobra.RangeArgs(1, 2),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			var (
				body io.Reader
				size int64 = -1
			)
			if args[0] == "-" {
				body = os.Stdin
			} else {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				info, err := f.Stat()
				if err != nil {
					return err
				}
				if info.IsDir() {
					return fmt.Errorf("%s is a directory", args[0])
				}
				body, size = f, info.Size()
			}

			remote := "/" + filepath.Base(args[0])
			if len(args) == 2 {
				remote = args[1]
			} else if args[0] == "-" {
				return fmt.Errorf("a remote path is required when reading stdin")
			}

			if showProgress() {
				bar := newProgressBar(size)
				body = bar.NewProxyReader(body)
				defer bar.Finish()
			}

			e, err := a.gw.UploadFile(ctx, fileFlags.Pool, remote, body, size)
			if err != nil && e == nil {
				return err
			}
			if perr := newPrinter(os.Stdout).entry(e); perr != nil {
				return perr
			}
			// The file is stored; only its record lags behind.
			return err
		}),
	}
	cmd.Flags().BoolVar(&fileFlags.NoProgress, "no-progress", false, "disable the progress bar")
	return cmd
}

func newFilesGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <remote-path> [local-file]",
		Short: "Download a file",
		Long:  `Download a file. The local file defaults to the remote base name. Use - to write stdout.`,
		Args:  cobra.RangeArgs(1, 2),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			e, err := a.gw.StatFile(ctx, fileFlags.Pool, args[0])
			if err != nil {
				return err
			}
			rc, err := a.gw.DownloadFile(ctx, fileFlags.Pool, args[0])
			if err != nil {
				return err
			}
			defer rc.Close()

			dest := filepath.Base(e.Path)
			if len(args) == 2 {
				dest = args[1]
			}

			var out io.Writer = os.Stdout
			if dest != "-" {
				f, err := os.Create(dest)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			var body io.Reader = rc
			if showProgress() && dest != "-" {
				bar := newProgressBar(e.Size)
				body = bar.NewProxyReader(rc)
				defer bar.Finish()
			}
			if _, err := io.Copy(out, body); err != nil {
				return fmt.Errorf("download %s: %w", e.Path, err)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&fileFlags.NoProgress, "no-progress", false, "disable the progress bar")
	return cmd
}

func newFilesRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			ok, err := a.gw.DeleteFile(ctx, fileFlags.Pool, args[0])
			if err != nil && !ok {
				return err
			}
			detail := "deleted"
			if !ok {
				detail = "not found"
			}
			if perr := newPrinter(os.Stdout).result("rm", args[0], ok, detail); perr != nil {
				return perr
			}
			return err
		}),
	}
}

func newFilesTransferCommand(use, short string, move bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <src> <dst>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			src, dst := args[0], args[1]
			p := newPrinter(os.Stdout)

			if fileFlags.ToPool == 0 {
				var (
					ok  bool
					err error
				)
				if move {
					ok, err = a.gw.MoveFile(ctx, fileFlags.Pool, src, dst)
				} else {
					ok, err = a.gw.CopyFile(ctx, fileFlags.Pool, src, dst)
				}
				if err != nil && !errors.Is(err, reconcile.ErrReconciliation) {
					return err
				}
				detail := "done"
				if !ok {
					detail = "source not found"
				}
				if perr := p.result(use, src+" -> "+dst, ok, detail); perr != nil {
					return perr
				}
				return err
			}

			var (
				res federation.Transfer
				err error
			)
			if move {
				res, err = a.gw.MoveAcrossPools(ctx, fileFlags.Pool, src, fileFlags.ToPool, dst)
			} else {
				res, err = a.gw.CopyAcrossPools(ctx, fileFlags.Pool, src, fileFlags.ToPool, dst)
			}
			if err != nil && res == federation.TransferSkipped {
				return err
			}
			target := fmt.Sprintf("%s -> pool %d:%s", src, fileFlags.ToPool, dst)
			if perr := p.result(use, target, res != federation.TransferSkipped, res.String()); perr != nil {
				return perr
			}
			return err
		}),
	}
	cmd.Flags().Int64Var(&fileFlags.ToPool, "to-pool", 0, "destination pool id for a cross-pool transfer")
	return cmd
}

func newFilesMkdirCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory and its parents",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			ok, err := a.gw.CreateDirectory(ctx, fileFlags.Pool, args[0])
			if err != nil {
				return err
			}
			detail := "created"
			if !ok {
				detail = "already exists"
			}
			return newPrinter(os.Stdout).result("mkdir", args[0], ok, detail)
		}),
	}
}

func newFilesRecordsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "records [prefix]",
		Short: "List the file records of a pool",
		Args:  cobra.MaximumNArgs(1),
		RunE: run(func(ctx context.Context, a *app, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			recs, err := a.gw.FileRecords(ctx, fileFlags.Pool, prefix)
			if err != nil {
				return err
			}
			return newPrinter(os.Stdout).records(recs)
		}),
	}
}
