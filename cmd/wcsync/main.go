package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"wcsync/client"
	"wcsync/internal/config"
	"wcsync/internal/logging"
	"wcsync/internal/notify"
	"wcsync/internal/transport"
	"wcsync/internal/workspace"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	verbose   bool

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:           "wcsync",
	Short:         "wcsync keeps working copies in sync with a repository",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(config.Path())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		} else if level == "info" {
			level = "warn"
		}
		logger, err = logging.NewDevelopment(level)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server address (default: taken from the repository URL)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "debug", false, "log debug output")
}

// serverOf returns the address of the server hosting repoURL.
func serverOf(repoURL string) (string, error) {
	if serverURL != "" {
		return serverURL, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid repository URL %q", repoURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// connect opens a session with the server hosting repoURL.
func connect(_ context.Context, repoURL string) (transport.Transport, error) {
	base, err := serverOf(repoURL)
	if err != nil {
		return nil, err
	}
	c, err := client.New(base, client.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func options(listener notify.Listener) workspace.Options {
	listeners := notify.Multicaster{notify.LogListener{Logger: logger.Logger}}
	if listener != nil {
		listeners = append(listeners, listener)
	}
	return workspace.Options{
		Config:   cfg,
		Connect:  connect,
		Listener: listeners,
		Logger:   logger,
	}
}

// findRoot walks up from dir to the nearest working copy.
func findRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for d := abs; ; {
		if workspace.IsWorkingCopy(d, cfg) {
			return d, nil
		}
		parent := filepath.Dir(d)
		if parent == d {
			return "", fmt.Errorf("%s is not inside a working copy", abs)
		}
		d = parent
	}
}

// openWorkspace attaches to the working copy around the current
// directory and connects to its repository.
func openWorkspace(ctx context.Context, listener notify.Listener) (*workspace.Workspace, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := findRoot(cwd)
	if err != nil {
		return nil, err
	}

	// The repository URL is only known once the working copy is read.
	probe, err := workspace.Open(root, nil, options(nil))
	if err != nil {
		return nil, err
	}
	repoURL, _, _, err := probe.Info()
	probe.Close()
	if err != nil {
		return nil, err
	}

	tr, err := connect(ctx, repoURL)
	if err != nil {
		return nil, err
	}
	return workspace.Open(root, tr, options(listener))
}

// relPaths turns command line paths into paths relative to the working
// copy root.
func relPaths(ws *workspace.Workspace, args []string) ([]string, error) {
	paths := make([]string, 0, len(args))
	for _, a := range args {
		abs, err := filepath.Abs(a)
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(ws.Root(), abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%s is outside the working copy", a)
		}
		if rel == "." {
			rel = ""
		}
		paths = append(paths, filepath.ToSlash(rel))
	}
	return paths, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		os.Exit(1)
	}
	if logger != nil {
		logger.Sync()
	}
}
