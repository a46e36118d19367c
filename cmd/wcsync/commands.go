package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"wcsync/internal/status"
	"wcsync/internal/workspace"

	"github.com/spf13/cobra"
)

var (
	revision     int64
	nonRecursive bool
	message      string
	force        bool

	statusRemote    bool
	statusAll       bool
	statusNoIgnore  bool
	statusNoExterns bool
	statusWatch     bool

	diffContext int
)

func init() {
	checkoutCmd := &cobra.Command{
		Use:   "checkout URL [DIR]",
		Short: "Check out a working copy from the repository",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoURL := args[0]
			dir := filepath.Base(strings.TrimSuffix(repoURL, "/"))
			if len(args) == 2 {
				dir = args[1]
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			tr, err := connect(cmd.Context(), repoURL)
			if err != nil {
				return err
			}
			ws, err := workspace.Open(dir, tr, options(printer{out: cmd.OutOrStdout()}))
			if err != nil {
				return err
			}
			defer ws.Close()
			rev, err := ws.Checkout(cmd.Context(), repoURL, revision, !nonRecursive)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checked out revision %d.\n", rev)
			return nil
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export URL DIR",
		Short: "Write a clean tree from the repository without administrative data",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rev, err := workspace.Export(cmd.Context(), tr, args[0], args[1], revision, !nonRecursive,
				options(printer{out: cmd.OutOrStdout()}))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported revision %d.\n", rev)
			return nil
		},
	}

	for _, c := range []*cobra.Command{checkoutCmd, exportCmd} {
		c.Flags().Int64VarP(&revision, "revision", "r", -1, "revision to fetch (default: latest)")
		c.Flags().BoolVarP(&nonRecursive, "non-recursive", "N", false, "fetch the top directory only")
	}

	updateCmd := &cobra.Command{
		Use:   "update [PATH...]",
		Short: "Bring working copy items up to date",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context(), printer{out: cmd.OutOrStdout()})
			if err != nil {
				return err
			}
			defer ws.Close()
			paths, err := relPaths(ws, defaultArgs(args))
			if err != nil {
				return err
			}
			for _, p := range paths {
				rev, err := ws.Update(cmd.Context(), p, revision, !nonRecursive)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "At revision %d.\n", rev)
			}
			return nil
		},
	}
	updateCmd.Flags().Int64VarP(&revision, "revision", "r", -1, "revision to update to (default: latest)")
	updateCmd.Flags().BoolVarP(&nonRecursive, "non-recursive", "N", false, "update the named items only")

	statusCmd := &cobra.Command{
		Use:   "status [PATH]",
		Short: "Show the state of working copy items",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer ws.Close()
			paths, err := relPaths(ws, defaultArgs(args))
			if err != nil {
				return err
			}
			opts := workspace.StatusOptions{
				Remote:            statusRemote,
				Recursive:         !nonRecursive,
				IncludeUnmodified: statusAll,
				IncludeIgnored:    statusNoIgnore,
				Externals:         !statusNoExterns,
			}
			if statusWatch {
				opts.Remote = false
				return watch(cmd.Context(), ws, paths[0], opts, cmd.OutOrStdout())
			}
			return showStatus(cmd, ws, paths[0], opts)
		},
	}
	statusCmd.Flags().BoolVarP(&statusRemote, "show-updates", "u", false, "ask the repository for newer revisions")
	statusCmd.Flags().BoolVarP(&statusAll, "verbose", "v", false, "include unmodified items")
	statusCmd.Flags().BoolVar(&statusNoIgnore, "no-ignore", false, "include ignored items")
	statusCmd.Flags().BoolVar(&statusNoExterns, "ignore-externals", false, "do not descend into externals")
	statusCmd.Flags().BoolVarP(&nonRecursive, "non-recursive", "N", false, "show the named item and its children only")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "print the local status again whenever files change")

	commitCmd := &cobra.Command{
		Use:   "commit [PATH...]",
		Short: "Send local changes to the repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("a log message is required (-m)")
			}
			ws, err := openWorkspace(cmd.Context(), printer{out: cmd.OutOrStdout()})
			if err != nil {
				return err
			}
			defer ws.Close()
			paths, err := relPaths(ws, args)
			if err != nil {
				return err
			}
			rev, err := ws.Commit(cmd.Context(), paths, message, !nonRecursive)
			if err != nil {
				return err
			}
			if rev < 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to commit.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Committed revision %s.\n", green(rev))
			return nil
		},
	}
	commitCmd.Flags().StringVarP(&message, "message", "m", "", "log message")
	commitCmd.Flags().BoolVarP(&nonRecursive, "non-recursive", "N", false, "commit the named items only")

	diffCmd := &cobra.Command{
		Use:   "diff [PATH]",
		Short: "Show local changes to file contents",
		Args:  cobra.MaximumNArgs(1),
		RunE: local(func(cmd *cobra.Command, ws *workspace.Workspace, args []string) error {
			paths, err := relPaths(ws, defaultArgs(args))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return ws.Diff(cmd.Context(), paths[0], !nonRecursive, diffContext, func(d *workspace.FileDiff) error {
				var buf strings.Builder
				oldLabel := fmt.Sprintf("%s\t(revision %d)", d.Path, d.Revision)
				if d.Status == status.Added {
					oldLabel = fmt.Sprintf("%s\t(nonexistent)", d.Path)
				}
				if err := d.Write(&buf, oldLabel, d.Path+"\t(working copy)"); err != nil {
					return err
				}
				if buf.Len() > 0 {
					fmt.Fprintf(out, "Index: %s\n", d.Path)
					printColoredDiff(out, buf.String())
				}
				return nil
			})
		}),
	}
	diffCmd.Flags().IntVarP(&diffContext, "context", "U", 3, "lines of context around changes")
	diffCmd.Flags().BoolVarP(&nonRecursive, "non-recursive", "N", false, "diff the named item and its children only")

	rootCmd.AddCommand(checkoutCmd, exportCmd, updateCmd, statusCmd, commitCmd, diffCmd)
	rootCmd.AddCommand(scheduleCommands()...)
	rootCmd.AddCommand(lockCommands()...)
}

func defaultArgs(args []string) []string {
	if len(args) == 0 {
		return []string{"."}
	}
	return args
}

func showStatus(cmd *cobra.Command, ws *workspace.Workspace, path string, opts workspace.StatusOptions) error {
	out := cmd.OutOrStdout()
	rev, err := ws.Status(cmd.Context(), path, opts, func(st *status.Status) error {
		printStatus(out, st, opts.Remote)
		return nil
	})
	if err != nil {
		return err
	}
	if opts.Remote {
		fmt.Fprintf(out, "Status against revision: %6d\n", rev)
	}
	return nil
}

// local runs fn on the working copy around the current directory. The
// repository is not contacted, but it is still opened so that the
// working copy's URL is known.
func local(fn func(cmd *cobra.Command, ws *workspace.Workspace, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ws, err := openWorkspace(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer ws.Close()
		return fn(cmd, ws, args)
	}
}

func scheduleCommands() []*cobra.Command {
	add := &cobra.Command{
		Use:   "add PATH...",
		Short: "Schedule unversioned items for addition",
		Args:  cobra.MinimumNArgs(1),
		RunE: local(func(cmd *cobra.Command, ws *workspace.Workspace, args []string) error {
			paths, err := relPaths(ws, args)
			if err != nil {
				return err
			}
			for _, p := range paths {
				if err := ws.Add(p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s    %s\n", paint(status.Added), display(p))
			}
			return nil
		}),
	}

	remove := &cobra.Command{
		Use:     "rm PATH...",
		Aliases: []string{"remove", "delete"},
		Short:   "Schedule items for deletion",
		Args:    cobra.MinimumNArgs(1),
		RunE: local(func(cmd *cobra.Command, ws *workspace.Workspace, args []string) error {
			paths, err := relPaths(ws, args)
			if err != nil {
				return err
			}
			for _, p := range paths {
				if err := ws.Remove(p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s    %s\n", paint(status.Deleted), display(p))
			}
			return nil
		}),
	}

	cp := &cobra.Command{
		Use:   "cp SRC DST",
		Short: "Schedule a copy that keeps the source's history",
		Args:  cobra.ExactArgs(2),
		RunE: local(func(cmd *cobra.Command, ws *workspace.Workspace, args []string) error {
			paths, err := relPaths(ws, args)
			if err != nil {
				return err
			}
			if err := ws.Copy(paths[0], paths[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s    %s\n", paint(status.Added), display(paths[1]))
			return nil
		}),
	}

	propset := &cobra.Command{
		Use:   "propset NAME VALUE PATH...",
		Short: "Set a versioned property",
		Args:  cobra.MinimumNArgs(3),
		RunE: local(func(cmd *cobra.Command, ws *workspace.Workspace, args []string) error {
			value := args[1]
			return setProperty(cmd, ws, args[0], &value, args[2:])
		}),
	}

	propdel := &cobra.Command{
		Use:   "propdel NAME PATH...",
		Short: "Remove a versioned property",
		Args:  cobra.MinimumNArgs(2),
		RunE: local(func(cmd *cobra.Command, ws *workspace.Workspace, args []string) error {
			return setProperty(cmd, ws, args[0], nil, args[1:])
		}),
	}

	return []*cobra.Command{add, remove, cp, propset, propdel}
}

func setProperty(cmd *cobra.Command, ws *workspace.Workspace, name string, value *string, args []string) error {
	paths, err := relPaths(ws, args)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := ws.SetProperty(p, name, value); err != nil {
			return err
		}
		verb := "set on"
		if value == nil {
			verb = "deleted from"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "property '%s' %s '%s'\n", name, verb, display(p))
	}
	return nil
}

func lockCommands() []*cobra.Command {
	lock := &cobra.Command{
		Use:   "lock PATH...",
		Short: "Lock files in the repository",
		Args:  cobra.MinimumNArgs(1),
		RunE: local(func(cmd *cobra.Command, ws *workspace.Workspace, args []string) error {
			paths, err := relPaths(ws, args)
			if err != nil {
				return err
			}
			if err := ws.Lock(cmd.Context(), paths, message, force); err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintf(cmd.OutOrStdout(), "'%s' locked by user '%s'.\n", p, cfg.Repository.User)
			}
			return nil
		}),
	}
	lock.Flags().StringVarP(&message, "message", "m", "", "lock comment")
	lock.Flags().BoolVar(&force, "force", false, "steal the lock from another owner")

	unlock := &cobra.Command{
		Use:   "unlock PATH...",
		Short: "Release locks held by this working copy",
		Args:  cobra.MinimumNArgs(1),
		RunE: local(func(cmd *cobra.Command, ws *workspace.Workspace, args []string) error {
			paths, err := relPaths(ws, args)
			if err != nil {
				return err
			}
			if err := ws.Unlock(cmd.Context(), paths); err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintf(cmd.OutOrStdout(), "'%s' unlocked.\n", p)
			}
			return nil
		}),
	}

	relocate := &cobra.Command{
		Use:   "relocate FROM TO",
		Short: "Point the working copy at a repository that moved",
		Args:  cobra.ExactArgs(2),
		RunE: local(func(cmd *cobra.Command, ws *workspace.Workspace, args []string) error {
			return ws.Relocate(args[0], args[1])
		}),
	}

	info := &cobra.Command{
		Use:   "info",
		Short: "Show where the working copy comes from",
		Args:  cobra.NoArgs,
		RunE: local(func(cmd *cobra.Command, ws *workspace.Workspace, args []string) error {
			repoURL, reposRoot, rev, err := ws.Info()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Path: %s\n", ws.Root())
			fmt.Fprintf(out, "URL: %s\n", repoURL)
			fmt.Fprintf(out, "Repository Root: %s\n", reposRoot)
			fmt.Fprintf(out, "Revision: %d\n", rev)
			return nil
		}),
	}

	return []*cobra.Command{lock, unlock, relocate, info}
}
