// Package crdt implements the mergeable document engine behind the
// collaboration core: a last-writer-wins tree whose updates commute,
// so replicas converge regardless of delivery order. State travels as
// binary updates (full state, version vector, or delta) and merging
// never needs coordination between writers.
package crdt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// NodeID identifies a node for the lifetime of the document. IDs are
// minted once at insert time and are stable across replicas.
type NodeID string

// RootID is the implicit top-level container present in every
// document.
const RootID NodeID = "root"

var (
	ErrNodeNotFound  = errors.New("crdt: node not found")
	ErrRootImmutable = errors.New("crdt: root node cannot be moved or deleted")
)

// version orders concurrent writes. Later clocks win; equal clocks are
// broken by actor id so every replica picks the same winner.
type version struct {
	clock uint64
	actor string
}

func (v version) isZero() bool {
	return v.clock == 0
}

func (v version) less(o version) bool {
	if v.clock != o.clock {
		return v.clock < o.clock
	}
	return v.actor < o.actor
}

type parentReg struct {
	ver    version
	parent NodeID
	order  float64
}

type flagReg struct {
	ver     version
	deleted bool
}

type textReg struct {
	ver  version
	text string
}

type attrReg struct {
	ver   version
	value any
}

type node struct {
	id     NodeID
	kind   string
	parent parentReg
	del    flagReg
	text   textReg
	attrs  map[string]attrReg
}

// Doc is one replica of a mergeable document tree. All methods are
// safe for concurrent use; merges from other replicas and local
// mutations may interleave freely.
type Doc struct {
	mu    sync.RWMutex
	actor string
	clock uint64
	nodes map[NodeID]*node
	sv    map[string]uint64
}

// New creates an empty document with a fresh actor id.
func New() *Doc {
	return NewWithActor(uuid.NewString())
}

// NewWithActor creates an empty document writing under the given
// actor id. Distinct live replicas must use distinct actors.
func NewWithActor(actor string) *Doc {
	d := &Doc{
		actor: actor,
		nodes: make(map[NodeID]*node),
		sv:    make(map[string]uint64),
	}
	d.nodes[RootID] = &node{id: RootID, kind: "doc", attrs: make(map[string]attrReg)}
	return d
}

// FromUpdate builds a fresh replica and applies an encoded state.
func FromUpdate(state []byte) (*Doc, error) {
	d := New()
	if err := d.ApplyUpdate(state); err != nil {
		return nil, err
	}
	return d, nil
}

// Actor returns this replica's actor id.
func (d *Doc) Actor() string {
	return d.actor
}

// tick advances the local clock past everything seen so far, so local
// writes win ties against already-merged remote state.
func (d *Doc) tick() version {
	d.clock++
	d.sv[d.actor] = d.clock
	return version{clock: d.clock, actor: d.actor}
}

// InsertNode creates a node of the given kind under parent at index
// (clamped to the current child count) and returns its id.
func (d *Doc) InsertNode(parent NodeID, index int, kind string) (NodeID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.nodes[parent]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNodeNotFound, parent)
	}

	order := d.orderAt(parent, index)
	id := NodeID(d.actor + ":" + fmt.Sprint(d.clock+1))
	ver := d.tick()
	d.nodes[id] = &node{
		id:     id,
		kind:   kind,
		parent: parentReg{ver: ver, parent: parent, order: order},
		attrs:  make(map[string]attrReg),
	}
	return id, nil
}

// DeleteNode tombstones a node. Its subtree disappears from the
// materialized tree but remains mergeable.
func (d *Doc) DeleteNode(id NodeID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id == RootID {
		return ErrRootImmutable
	}
	n, ok := d.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.del = flagReg{ver: d.tick(), deleted: true}
	return nil
}

// MoveNode reparents a node to index under newParent.
func (d *Doc) MoveNode(id, newParent NodeID, index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id == RootID {
		return ErrRootImmutable
	}
	n, ok := d.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if _, ok := d.nodes[newParent]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, newParent)
	}
	order := d.orderAt(newParent, index)
	n.parent = parentReg{ver: d.tick(), parent: newParent, order: order}
	return nil
}

// SetAttr sets a node attribute. Values must be JSON-representable.
func (d *Doc) SetAttr(id NodeID, name string, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.attrs[name] = attrReg{ver: d.tick(), value: value}
	return nil
}

// SetText replaces a node's text content.
func (d *Doc) SetText(id NodeID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.text = textReg{ver: d.tick(), text: text}
	return nil
}

// orderAt picks a fractional order key that lands a new child at
// index among parent's current children. Callers hold d.mu.
func (d *Doc) orderAt(parent NodeID, index int) float64 {
	siblings := d.childrenLocked(parent)
	if len(siblings) == 0 {
		return 1.0
	}
	if index <= 0 {
		return siblings[0].parent.order - 1.0
	}
	if index >= len(siblings) {
		return siblings[len(siblings)-1].parent.order + 1.0
	}
	return (siblings[index-1].parent.order + siblings[index].parent.order) / 2.0
}
