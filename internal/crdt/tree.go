package crdt

import (
	"reflect"
	"sort"
)

// TreeNode is the materialized, read-only view of a document node.
type TreeNode struct {
	ID       NodeID
	Kind     string
	Attrs    map[string]any
	Text     string
	Children []*TreeNode
}

// Tree materializes the current document state. Tombstoned nodes and
// their subtrees are omitted; nodes whose parent chain is broken or
// cyclic are unreachable and likewise omitted.
func (d *Doc) Tree() *TreeNode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.materializeLocked(RootID, map[NodeID]bool{RootID: true})
}

func (d *Doc) materializeLocked(id NodeID, onPath map[NodeID]bool) *TreeNode {
	n := d.nodes[id]
	out := &TreeNode{ID: n.id, Kind: n.kind, Text: n.text.text}
	if len(n.attrs) > 0 {
		out.Attrs = make(map[string]any, len(n.attrs))
		for name, reg := range n.attrs {
			out.Attrs[name] = reg.value
		}
	}
	for _, child := range d.childrenLocked(id) {
		if onPath[child.id] {
			continue
		}
		onPath[child.id] = true
		out.Children = append(out.Children, d.materializeLocked(child.id, onPath))
		delete(onPath, child.id)
	}
	return out
}

// childrenLocked returns the live children of parent in sibling
// order. Callers hold d.mu.
func (d *Doc) childrenLocked(parent NodeID) []*node {
	var children []*node
	for _, n := range d.nodes {
		if n.id == RootID || n.del.deleted || n.parent.parent != parent {
			continue
		}
		children = append(children, n)
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].parent.order != children[j].parent.order {
			return children[i].parent.order < children[j].parent.order
		}
		return children[i].id < children[j].id
	})
	return children
}

// Equal reports structural equality of two trees ignoring node ids,
// which differ between replicas that built equivalent content
// independently.
func (t *TreeNode) Equal(o *TreeNode) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Kind != o.Kind || t.Text != o.Text || len(t.Children) != len(o.Children) {
		return false
	}
	if !equalAttrs(t.Attrs, o.Attrs) {
		return false
	}
	for i := range t.Children {
		if !t.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

func equalAttrs(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}

// PlainText concatenates the text of every live node in document
// order, separated by newlines between block-level nodes.
func (t *TreeNode) PlainText() string {
	var buf []byte
	t.appendText(&buf)
	return string(buf)
}

func (t *TreeNode) appendText(buf *[]byte) {
	if t.Text != "" {
		if len(*buf) > 0 {
			*buf = append(*buf, ' ')
		}
		*buf = append(*buf, t.Text...)
	}
	for _, c := range t.Children {
		c.appendText(buf)
	}
}
