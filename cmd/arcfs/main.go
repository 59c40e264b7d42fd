// Command arcfs mounts an archive or compressed file (tar, tar.gz, zip, 7z,
// rar, xz, ...) as a read-only FUSE filesystem, presenting its contents as
// ordinary files and directories.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/yamatt/arcfs/internal/arcfs"
	"github.com/yamatt/arcfs/internal/archive"
)

var version = "dev"

// ignoredOptions are accepted for archivemount command line compatibility
// and otherwise do nothing: raw archives are detected automatically and the
// mount is always read-only.
var ignoredOptions = map[string]bool{
	"passphrase": true,
	"formatraw":  true,
	"nobackup":   true,
	"nosave":     true,
	"readonly":   true,
}

// optList collects repeated -o flags, splitting comma-separated values.
type optList []string

func (o *optList) String() string {
	return strings.Join(*o, ",")
}

func (o *optList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part != "" {
			*o = append(*o, part)
		}
	}
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		showVersion bool
		quiet       bool
		verbose     bool
		redact      bool
		foreground  bool
		debug       bool
		opts        optList
	)

	flag.BoolVar(&showVersion, "V", false, "Show version and exit")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&quiet, "q", false, "Do not print progress messages")
	flag.BoolVar(&quiet, "quiet", false, "Do not print progress messages")
	flag.BoolVar(&verbose, "v", false, "Print more log messages")
	flag.BoolVar(&verbose, "verbose", false, "Print more log messages")
	flag.BoolVar(&redact, "redact", false, "Redact pathnames from log messages")
	flag.BoolVar(&foreground, "f", false, "Foreground operation")
	flag.BoolVar(&debug, "d", false, "Enable FUSE debug output")
	flag.Var(&opts, "o", "Mount options (KEY or KEY=VALUE, comma separated, repeatable)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <archive_file> [mount_point]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "arcfs mounts an archive or compressed file as a read-only filesystem.\n")
		fmt.Fprintf(os.Stderr, "If the mount point is omitted it is derived from the archive's name\n")
		fmt.Fprintf(os.Stderr, "and created in the current directory.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("arcfs version %s\n", version)
		return 0
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	if quiet {
		logLevel = slog.LevelError
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:   logLevel,
		NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)
	arcfs.SetLogger(logger)

	args := flag.Args()
	if len(args) < 1 || len(args) > 2 {
		flag.Usage()
		return arcfs.ExitGenericFailure
	}
	archivePath := args[0]
	mountPoint := ""
	if len(args) == 2 {
		mountPoint = args[1]
	}

	o := arcfs.Options{
		ArchivePath: archivePath,
		Quiet:       quiet,
		Redact:      redact,
		UID:         uint32(os.Getuid()),
		GID:         uint32(os.Getgid()),
		Debug:       debug,
	}
	// go-fuse always serves in the foreground.
	_ = foreground

	for _, opt := range opts {
		key, val, hasVal := strings.Cut(opt, "=")
		switch {
		case key == "uid" && hasVal:
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				logger.Error("invalid uid option", "value", val)
				return arcfs.ExitGenericFailure
			}
			o.UID = uint32(n)
		case key == "gid" && hasVal:
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				logger.Error("invalid gid option", "value", val)
				return arcfs.ExitGenericFailure
			}
			o.GID = uint32(n)
		case key == "redact":
			o.Redact = true
		case ignoredOptions[key]:
		default:
			o.FuseOptions = append(o.FuseOptions, opt)
		}
	}

	logPath := archivePath
	if o.Redact {
		logPath = "(redacted)"
	}

	ix, err := arcfs.Probe(o)
	if exitCode(err) == arcfs.ExitPassphraseRequired {
		o.Password = readPassword(logger)
		if o.Password != "" {
			ix, err = arcfs.Probe(o)
		}
	}
	if err != nil {
		logger.Error("cannot mount archive", "archive", logPath, "error", err)
		return exitCode(err)
	}

	createdMountPoint := ""
	defer func() {
		if createdMountPoint != "" {
			if err := os.Remove(createdMountPoint); err != nil {
				logger.Error("cannot remove mount point", "path", createdMountPoint, "error", err)
			} else {
				logger.Debug("removed mount point", "path", createdMountPoint)
			}
		}
	}()

	if mountPoint == "" {
		base := archive.InnerName(archivePath)
		if base == "" {
			logger.Error("cannot derive a mount point name", "archive", logPath)
			return arcfs.ExitGenericFailure
		}
		mountPoint = base
		for i := 1; ; i++ {
			if err := os.Mkdir(mountPoint, 0o777); err == nil {
				createdMountPoint = mountPoint
				logger.Info("created mount point", "path", mountPoint)
				break
			} else if !os.IsExist(err) {
				logger.Error("cannot create mount point", "path", mountPoint, "error", err)
				return arcfs.ExitGenericFailure
			}
			logger.Debug("mount point already exists", "path", mountPoint)
			mountPoint = fmt.Sprintf("%s (%d)", base, i)
		}
	} else if err := os.Mkdir(mountPoint, 0o777); err == nil {
		createdMountPoint = mountPoint
		logger.Debug("created mount point", "path", mountPoint)
	} else if !os.IsExist(err) {
		logger.Error("cannot create mount point", "path", mountPoint, "error", err)
	}
	o.MountPoint = mountPoint

	if err := ix.Build(); err != nil {
		logger.Error("cannot index archive", "archive", logPath, "error", err)
		return exitCode(err)
	}

	srv, err := arcfs.Mount(ix, o)
	if err != nil {
		logger.Error("failed to mount filesystem", "error", err)
		return arcfs.ExitGenericFailure
	}

	logger.Info("filesystem mounted", "archive", logPath, "mountPoint", mountPoint)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received signal, unmounting")
		if err := srv.Unmount(); err != nil {
			logger.Error("error unmounting", "error", err)
		}
	}()

	srv.Wait()
	srv.Close()
	logger.Info("filesystem unmounted")
	return 0
}

// exitCode extracts the process exit code from a mount failure.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var me *arcfs.MountError
	if errors.As(err, &me) {
		return me.Code
	}
	return arcfs.ExitGenericFailure
}

// readPassword reads one line from standard input, with terminal echo
// suppressed when stdin is a terminal. Trailing newlines are stripped;
// empty means no password.
func readPassword(logger *slog.Logger) string {
	fd := int(os.Stdin.Fd())
	var line string
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password > ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return ""
		}
		line = string(b)
	} else {
		s, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && s == "" {
			return ""
		}
		line = s
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		logger.Debug("got an empty password")
	} else {
		logger.Debug("got a password", "bytes", len(line))
	}
	return line
}
