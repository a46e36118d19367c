package repository

import (
	"fmt"

	"wcsync/internal/errors"
)

// builder makes a new revision tree from a committed one. Nodes on the
// way to a change are cloned once; everything else stays shared.
type builder struct {
	root  *Node
	rev   int64
	owned map[*Node]bool
}

func newBuilder(base *Node, rev int64) *builder {
	b := &builder{rev: rev, owned: make(map[*Node]bool)}
	b.root = base.clone("", rev)
	b.owned[b.root] = true
	return b
}

// walk returns a modifiable node at path.
func (b *builder) walk(path string) (*Node, error) {
	n, p := b.root, ""
	for _, name := range segments(path) {
		if !n.Dir {
			return nil, errors.NotFound(fmt.Sprintf("%s is not a directory", p))
		}
		child, ok := n.Children[name]
		if !ok {
			return nil, errors.NotFound(fmt.Sprintf("%s does not exist", join(p, name)))
		}
		p = join(p, name)
		if !b.owned[child] {
			child = child.clone(p, b.rev)
			b.owned[child] = true
			n.Children[name] = child
		}
		n = child
	}
	return n, nil
}

func (b *builder) put(path string, n *Node) error {
	dir, name := parentOf(path)
	parent, err := b.walk(dir)
	if err != nil {
		return err
	}
	if !parent.Dir {
		return errors.NotFound(fmt.Sprintf("%s is not a directory", dir))
	}
	parent.Children[name] = n
	return nil
}

func (b *builder) remove(path string) error {
	dir, name := parentOf(path)
	parent, err := b.walk(dir)
	if err != nil {
		return err
	}
	if _, ok := parent.Children[name]; !ok {
		return errors.NotFound(fmt.Sprintf("%s does not exist", path))
	}
	delete(parent.Children, name)
	return nil
}

// create returns a new owned node for path.
func (b *builder) create(path string, dir bool) *Node {
	var n *Node
	if dir {
		n = newDir(path, b.rev)
	} else {
		n = &Node{ID: nodeID(path, b.rev), Rev: b.rev}
	}
	b.owned[n] = true
	return n
}

// copyOf places a copy of src at path. Only the copy's root is new.
func (b *builder) copyOf(path string, src *Node) *Node {
	n := src.clone(path, b.rev)
	b.owned[n] = true
	return n
}

func setProp(n *Node, name string, value *string) {
	if value == nil {
		delete(n.Props, name)
		return
	}
	if n.Props == nil {
		n.Props = make(map[string]string)
	}
	n.Props[name] = *value
}
