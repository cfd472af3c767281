package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/s3fs-fuse/remotefs/internal/config"
	"github.com/s3fs-fuse/remotefs/internal/connpool"
	"github.com/s3fs-fuse/remotefs/internal/fuse"
	"github.com/s3fs-fuse/remotefs/internal/logging"
	"github.com/s3fs-fuse/remotefs/internal/metrics"
	"github.com/s3fs-fuse/remotefs/internal/storage"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

const usage = `usage: remotefs [flags] <command> [args]

commands:
  ls [-match GLOB] URL   list a directory
  stat URL               print attributes
  cat URL...             write file contents to stdout
  cp [-r] SRC DST        copy a file, or a tree with -r
  mv SRC DST             move a file or tree
  rm [-r] URL            delete a file or empty directory, or a tree with -r
  mkdir URL              create a directory
  mount [-ro] [-allow-other] URL MOUNTPOINT
                         serve a directory over FUSE until interrupted

URLs: file paths, s3://[login@]host/bucket/key, s3+http://..., postgres://...,
mongodb://...

flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "remotefs: %v\n", err)
		}
		os.Exit(1)
	}
}

// app is one invocation: configuration plus the wired backends.
type app struct {
	cfg      *config.Config
	registry *vfs.Registry
	stdout   io.Writer
	log      *zap.Logger
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flags := flag.NewFlagSet("remotefs", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprint(stderr, usage)
		flags.PrintDefaults()
	}
	cfg.RegisterFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return errors.New("missing command")
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: "stderr"}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logging.Sync() }()

	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr)
		defer shutdown()
	}

	pool := connpool.NewPool(connpool.Config{
		CloseOnInactivity: cfg.CloseOnInactivity,
		KeepAlive:         cfg.KeepAlive,
		SweepInterval:     cfg.SweepInterval,
		KeepAliveTimeout:  10 * time.Second,
	})
	defer pool.Close()

	a := &app{
		cfg:      cfg,
		registry: storage.NewRegistry(cfg, pool),
		stdout:   stdout,
		log:      logging.Named("cli"),
	}

	command, rest := flags.Arg(0), flags.Args()[1:]
	switch command {
	case "ls":
		return a.ls(ctx, rest)
	case "stat":
		return a.stat(ctx, rest)
	case "cat":
		return a.cat(ctx, rest)
	case "cp":
		return a.cp(ctx, rest)
	case "mv":
		return a.mv(ctx, rest)
	case "rm":
		return a.rm(ctx, rest)
	case "mkdir":
		return a.mkdir(ctx, rest)
	case "mount":
		return a.mount(ctx, rest)
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// subcommand parses the flags of one command and checks its argument count.
func subcommand(name string, args []string, minArgs, maxArgs int, setup func(*flag.FlagSet)) ([]string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if setup != nil {
		setup(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	n := fs.NArg()
	if n < minArgs || (maxArgs >= 0 && n > maxArgs) {
		return nil, fmt.Errorf("%s: wrong number of arguments", name)
	}
	return fs.Args(), nil
}

func (a *app) open(ctx context.Context, raw string) (vfs.Entry, error) {
	return a.registry.OpenString(ctx, raw)
}

func (a *app) ls(ctx context.Context, args []string) error {
	var pattern string
	args, err := subcommand("ls", args, 1, 1, func(fs *flag.FlagSet) {
		fs.StringVar(&pattern, "match", "", "only list names matching this glob")
	})
	if err != nil {
		return err
	}
	var match glob.Glob
	if pattern != "" {
		if match, err = glob.Compile(pattern); err != nil {
			return fmt.Errorf("ls: bad pattern %q: %w", pattern, err)
		}
	}
	e, err := a.open(ctx, args[0])
	if err != nil {
		return err
	}
	attrs, err := e.Stat(ctx)
	if err != nil {
		return err
	}

	entries := []vfs.Entry{e}
	if attrs.IsDir {
		if entries, err = vfs.List(ctx, e); err != nil {
			return err
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	for _, c := range entries {
		name := c.Name()
		if match != nil && !match.Match(name) {
			continue
		}
		ca := c.Attributes(ctx)
		if ca.IsDir {
			name += "/"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", ca.Size, formatTime(ca.ModTime), name)
	}
	return w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func (a *app) stat(ctx context.Context, args []string) error {
	args, err := subcommand("stat", args, 1, 1, nil)
	if err != nil {
		return err
	}
	e, err := a.open(ctx, args[0])
	if err != nil {
		return err
	}
	attrs, err := e.Stat(ctx)
	if err != nil {
		return err
	}

	kind := "file"
	if attrs.IsDir {
		kind = "directory"
	}
	fmt.Fprintf(a.stdout, "url:      %s\n", e.URL().Redacted())
	fmt.Fprintf(a.stdout, "type:     %s\n", kind)
	fmt.Fprintf(a.stdout, "size:     %d\n", attrs.Size)
	fmt.Fprintf(a.stdout, "modified: %s\n", formatTime(attrs.ModTime))
	if attrs.Mode != 0 {
		fmt.Fprintf(a.stdout, "mode:     %s\n", attrs.Mode)
	}
	if attrs.Owner != "" {
		fmt.Fprintf(a.stdout, "owner:    %s\n", attrs.Owner)
	}
	return nil
}

func (a *app) cat(ctx context.Context, args []string) error {
	args, err := subcommand("cat", args, 1, -1, nil)
	if err != nil {
		return err
	}
	for _, raw := range args {
		e, err := a.open(ctx, raw)
		if err != nil {
			return err
		}
		r, err := vfs.OpenReader(ctx, e, 0)
		if err != nil {
			return err
		}
		_, err = vfs.Drain(a.stdout, r)
		r.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// target resolves the destination of a copy or move. An existing directory
// receives the source under its own name.
func (a *app) target(ctx context.Context, src vfs.Entry, srcAttrs vfs.Attributes, raw string) (vfs.Entry, error) {
	dst, err := a.open(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !dst.Attributes(ctx).IsDir {
		return dst, nil
	}
	name := src.Name()
	if srcAttrs.IsDir {
		name += "/"
	}
	return vfs.Child(ctx, dst, name)
}

func (a *app) cp(ctx context.Context, args []string) error {
	var recursive bool
	args, err := subcommand("cp", args, 2, 2, func(fs *flag.FlagSet) {
		fs.BoolVar(&recursive, "r", false, "copy directories recursively")
	})
	if err != nil {
		return err
	}
	src, err := a.open(ctx, args[0])
	if err != nil {
		return err
	}
	attrs, err := src.Stat(ctx)
	if err != nil {
		return err
	}
	if attrs.IsDir && !recursive {
		return fmt.Errorf("cp: %s is a directory (use -r)", args[0])
	}
	dst, err := a.target(ctx, src, attrs, args[1])
	if err != nil {
		return err
	}

	start := time.Now()
	if recursive {
		err = vfs.CopyTree(ctx, src, dst, a.cfg.CopyConcurrency)
	} else {
		err = vfs.Copy(ctx, src, dst)
	}
	if err != nil {
		return err
	}
	a.log.Debug("copied", zap.Stringer("src", src.URL()), zap.Stringer("dst", dst.URL()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (a *app) mv(ctx context.Context, args []string) error {
	args, err := subcommand("mv", args, 2, 2, nil)
	if err != nil {
		return err
	}
	src, err := a.open(ctx, args[0])
	if err != nil {
		return err
	}
	attrs, err := src.Stat(ctx)
	if err != nil {
		return err
	}
	dst, err := a.target(ctx, src, attrs, args[1])
	if err != nil {
		return err
	}
	return vfs.Rename(ctx, src, dst)
}

func (a *app) rm(ctx context.Context, args []string) error {
	var recursive bool
	args, err := subcommand("rm", args, 1, 1, func(fs *flag.FlagSet) {
		fs.BoolVar(&recursive, "r", false, "remove directories and their contents")
	})
	if err != nil {
		return err
	}
	e, err := a.open(ctx, args[0])
	if err != nil {
		return err
	}
	if recursive {
		return vfs.RemoveAll(ctx, e)
	}
	return vfs.Delete(ctx, e)
}

func (a *app) mkdir(ctx context.Context, args []string) error {
	args, err := subcommand("mkdir", args, 1, 1, nil)
	if err != nil {
		return err
	}
	e, err := a.open(ctx, args[0])
	if err != nil {
		return err
	}
	return vfs.Mkdir(ctx, e)
}

func (a *app) mount(ctx context.Context, args []string) error {
	var opts fuse.MountOptions
	args, err := subcommand("mount", args, 2, 2, func(fs *flag.FlagSet) {
		fs.BoolVar(&opts.ReadOnly, "ro", false, "mount read-only")
		fs.BoolVar(&opts.AllowOther, "allow-other", false, "allow other users to access the mount")
		fs.StringVar(&opts.FSName, "fsname", "", "filesystem name shown by mount(8)")
	})
	if err != nil {
		return err
	}
	root, err := a.open(ctx, args[0])
	if err != nil {
		return err
	}
	attrs, err := root.Stat(ctx)
	if err != nil {
		return err
	}
	if !attrs.IsDir {
		return fmt.Errorf("mount: %s is not a directory", args[0])
	}
	if opts.FSName == "" {
		opts.FSName = root.URL().Redacted()
	}

	filesystem := fuse.NewFilesystem(ctx, root, fuse.Options{EntryTTL: a.cfg.AttrTTL})
	defer filesystem.Close()

	a.log.Info("mounting", zap.String("source", opts.FSName), zap.String("mountpoint", args[1]))
	return fuse.Mount(ctx, args[1], filesystem, opts)
}
