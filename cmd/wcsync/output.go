package main

import (
	"fmt"
	"io"
	"strings"

	"wcsync/internal/status"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

// paint colors a status code by what it means for the user.
func paint(k status.Kind) string {
	code := k.Code()
	switch k {
	case status.Added, status.Restored:
		return green(code)
	case status.Deleted, status.Missing, status.Conflicted, status.Obstructed, status.Corrupted:
		return red(code)
	case status.Modified, status.Replaced, status.Merged, status.Updated:
		return yellow(code)
	case status.Unversioned, status.External:
		return blue(code)
	}
	return code
}

// printer shows update and commit notifications as they happen.
type printer struct {
	out io.Writer
}

func (p printer) Committed(path string, kind status.Kind) {
	verb := map[status.Kind]string{
		status.Added:    "Adding",
		status.Deleted:  "Deleting",
		status.Replaced: "Replacing",
		status.Modified: "Sending",
	}[kind]
	if verb == "" {
		verb = kind.String()
	}
	fmt.Fprintf(p.out, "%-10s %s\n", verb, display(path))
}

func (p printer) Updated(path string, contents, props status.Kind, rev int64) {
	fmt.Fprintf(p.out, "%s%s   %s\n", paint(contents), paint(props), display(path))
}

func (p printer) Modified(path string, kind status.Kind) {
	fmt.Fprintf(p.out, "%s    %s\n", paint(kind), display(path))
}

func display(path string) string {
	if path == "" {
		return "."
	}
	return path
}

// printStatus writes one status line: contents, properties, lock and
// out-of-date columns, then the path.
func printStatus(out io.Writer, st *status.Status, remote bool) {
	lock := " "
	if st.LocalLock != nil {
		lock = cyan("K")
	}
	if st.RemoteLock != nil && (st.LocalLock == nil || st.RemoteLock.Token != st.LocalLock.Token) {
		lock = red("O")
	}
	stale := " "
	if st.RepositoryContents != status.None || st.RepositoryProperties != status.None {
		stale = yellow("*")
	}
	if !remote {
		fmt.Fprintf(out, "%s%s%s %s\n", paint(st.Contents), paint(st.Properties), lock, display(st.Path))
		return
	}
	rev := "-"
	if st.Revision >= 0 && st.Contents != status.Unversioned && st.Contents != status.Ignored {
		rev = fmt.Sprint(st.Revision)
	}
	fmt.Fprintf(out, "%s%s%s %s %8s %s\n", paint(st.Contents), paint(st.Properties), lock, stale, rev, display(st.Path))
}

// printColoredDiff writes a unified diff with added, removed and hunk
// header lines colored.
func printColoredDiff(out io.Writer, text string) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)

	for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			fmt.Fprintln(out, line)
		case strings.HasPrefix(line, "@@"):
			header.Fprintln(out, line)
		case strings.HasPrefix(line, "+"):
			added.Fprintln(out, line)
		case strings.HasPrefix(line, "-"):
			removed.Fprintln(out, line)
		default:
			fmt.Fprintln(out, line)
		}
	}
}
