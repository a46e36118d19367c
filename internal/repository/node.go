package repository

import (
	"fmt"
	"sort"
	"strings"
)

// Node is one file or directory in a revision tree. Nodes of committed
// revisions are never modified, so unchanged subtrees are shared between
// revisions.
type Node struct {
	// ID names this version of the node: the path it was created at and
	// the revision that created it. Equal IDs mean equal subtrees.
	ID       string            `json:"id"`
	Dir      bool              `json:"dir"`
	Props    map[string]string `json:"props,omitempty"`
	Text     []byte            `json:"text,omitempty"`
	Children map[string]*Node  `json:"children,omitempty"`
	// Rev is the revision that last changed the node or anything below
	// it.
	Rev int64 `json:"rev"`
}

func nodeID(path string, rev int64) string {
	return fmt.Sprintf("%s@%d", path, rev)
}

func newDir(path string, rev int64) *Node {
	return &Node{ID: nodeID(path, rev), Dir: true, Children: map[string]*Node{}, Rev: rev}
}

// same reports whether a and b are the same version of a node.
func same(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a == b || a.ID == b.ID
}

// clone copies n for modification. Children are shared.
func (n *Node) clone(path string, rev int64) *Node {
	c := &Node{ID: nodeID(path, rev), Dir: n.Dir, Text: n.Text, Rev: rev}
	if n.Props != nil {
		c.Props = make(map[string]string, len(n.Props))
		for k, v := range n.Props {
			c.Props[k] = v
		}
	}
	if n.Dir {
		c.Children = make(map[string]*Node, len(n.Children))
		for k, v := range n.Children {
			c.Children[k] = v
		}
	}
	return c
}

func (n *Node) names() []string {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func segments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// lookup resolves a slash separated path below root, nil when absent.
func lookup(root *Node, path string) *Node {
	n := root
	for _, name := range segments(path) {
		if n == nil || !n.Dir {
			return nil
		}
		n = n.Children[name]
	}
	return n
}

func join(parent, name string) string {
	parent = strings.Trim(parent, "/")
	name = strings.Trim(name, "/")
	switch {
	case parent == "":
		return name
	case name == "":
		return parent
	}
	return parent + "/" + name
}

func parentOf(path string) (string, string) {
	path = strings.Trim(path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}
