package commit

import (
	"sort"
	"strings"

	"wcsync/internal/entry"
	"wcsync/internal/errors"
)

// Tree maps paths relative to the commit root to entries. A nil entry
// marks a directory that is only opened on the way to deeper changes.
// The key "" is always present.
type Tree map[string]entry.Entry

// Paths lists the tree keys in order.
func (t Tree) Paths() []string {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// children splits the keys right below path into virtual directories and
// entries.
func (t Tree) children(path string) (virtual, direct []string) {
	for _, p := range t.Paths() {
		if p == "" || parentPath(p) != path {
			continue
		}
		if t[p] == nil {
			virtual = append(virtual, p)
		} else {
			direct = append(direct, p)
		}
	}
	return virtual, direct
}

// BuildTree arranges the harvested entries under their common repository
// URL. It returns that URL, the tree and the lock tokens held on the
// committed URLs, including those below deleted directories.
func BuildTree(c Commitables) (string, Tree, map[string]string, error) {
	byURL := make(map[string]entry.Entry, len(c))
	locks := make(map[string]string)
	var wcRoot entry.Entry
	for _, e := range c.Entries() {
		url := strings.TrimSuffix(entry.URL(e), "/")
		if url == "" {
			return "", nil, nil, errors.Precondition(e.Path(), "entry has no url")
		}
		if e.Path() == "" {
			wcRoot = e
		}
		byURL[url] = e
		if token := entry.LockToken(e); token != "" {
			locks[url] = token
		}
		if e.IsDirectory() && e.IsScheduledForDeletion() {
			collectLocks(e.AsDirectory(), locks)
		}
	}

	var rootURL string
	if wcRoot != nil {
		rootURL = strings.TrimSuffix(entry.URL(wcRoot), "/")
	} else {
		rootURL = commonRoot(byURL)
	}

	tree := Tree{"": nil}
	for url, e := range byURL {
		if url != rootURL && !strings.HasPrefix(url, rootURL+"/") {
			return "", nil, nil, errors.Precondition(e.Path(), "url "+url+" is not below the commit root "+rootURL)
		}
		key := strings.TrimPrefix(strings.TrimPrefix(url, rootURL), "/")
		tree[key] = e
		for p := key; p != ""; {
			p = parentPath(p)
			if _, ok := tree[p]; !ok {
				tree[p] = nil
			}
		}
	}
	return rootURL, tree, locks, nil
}

// commonRoot finds the deepest URL covering every entry. A lone directory
// without changes of its own is its own root; otherwise the root has to
// be a directory the repository already knows.
func commonRoot(byURL map[string]entry.Entry) string {
	host := ""
	paths := make([]string, 0, len(byURL))
	for url := range byURL {
		h, p := splitURL(url)
		host = h
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var common string
	if len(paths) == 1 {
		e := byURL[joinHost(host, paths[0])]
		if isOwnRoot(e) {
			common = paths[0]
		} else {
			common = parentPath(paths[0])
		}
	} else {
		common = commonPrefix(paths)
	}

	for common != "" {
		e, ok := byURL[joinHost(host, common)]
		if !ok || e.IsDirectory() && !e.IsScheduledForAddition() && !e.IsScheduledForDeletion() {
			break
		}
		common = parentPath(common)
	}
	return joinHost(host, common)
}

func isOwnRoot(e entry.Entry) bool {
	return e.IsDirectory() && !e.IsScheduledForAddition() && !e.IsScheduledForDeletion() &&
		!e.IsPropertiesModified() && !e.IsCopied()
}

// commonPrefix compares whole path segments.
func commonPrefix(paths []string) string {
	prefix := strings.Split(paths[0], "/")
	for _, p := range paths[1:] {
		segs := strings.Split(p, "/")
		n := 0
		for n < len(prefix) && n < len(segs) && prefix[n] == segs[n] {
			n++
		}
		prefix = prefix[:n]
	}
	return strings.Join(prefix, "/")
}

// splitURL separates scheme and authority from the path, which comes back
// without a leading slash.
func splitURL(url string) (string, string) {
	start := 0
	if i := strings.Index(url, "://"); i >= 0 {
		start = i + len("://")
	}
	i := strings.Index(url[start:], "/")
	if i < 0 {
		return url, ""
	}
	return url[:start+i], strings.Trim(url[start+i:], "/")
}

func joinHost(host, path string) string {
	if path == "" {
		return host
	}
	return host + "/" + path
}

func collectLocks(dir entry.Directory, locks map[string]string) {
	for _, child := range dir.ChildEntries() {
		if token := entry.LockToken(child); token != "" {
			locks[strings.TrimSuffix(entry.URL(child), "/")] = token
		}
		if child.IsDirectory() {
			collectLocks(child.AsDirectory(), locks)
		}
	}
}

// RelativeLocks rewrites lock URLs as repository paths with a leading
// slash.
func RelativeLocks(locks map[string]string, reposRoot string) map[string]string {
	out := make(map[string]string, len(locks))
	reposRoot = strings.TrimSuffix(reposRoot, "/")
	for url, token := range locks {
		out[reposPath(url, reposRoot)] = token
	}
	return out
}

func reposPath(url, reposRoot string) string {
	return "/" + strings.TrimPrefix(strings.TrimPrefix(url, reposRoot), "/")
}
