package crdt

// Merge and sync primitives. Updates carry register-level writes, so
// applying the same update twice, or two updates in either order,
// yields the same state: each register independently keeps the
// highest (clock, actor) write it has seen.

// ApplyUpdate merges an encoded update (full state or delta) into the
// replica.
func (d *Doc) ApplyUpdate(data []byte) error {
	records, err := decodeUpdate(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rec := range records {
		n, ok := d.nodes[rec.id]
		if !ok {
			n = &node{id: rec.id, kind: rec.kind, attrs: make(map[string]attrReg)}
			d.nodes[rec.id] = n
		}
		if !rec.parent.ver.isZero() && n.parent.ver.less(rec.parent.ver) {
			n.parent = rec.parent
		}
		d.observe(rec.parent.ver)
		if !rec.del.ver.isZero() && n.del.ver.less(rec.del.ver) {
			n.del = rec.del
		}
		d.observe(rec.del.ver)
		if !rec.text.ver.isZero() && n.text.ver.less(rec.text.ver) {
			n.text = rec.text
		}
		d.observe(rec.text.ver)
		for name, reg := range rec.attrs {
			if cur, ok := n.attrs[name]; !ok || cur.ver.less(reg.ver) {
				n.attrs[name] = reg
			}
			d.observe(reg.ver)
		}
	}
	return nil
}

// observe folds a remote write into the version vector and keeps the
// local clock ahead of everything merged so far. Callers hold d.mu.
func (d *Doc) observe(v version) {
	if v.isZero() {
		return
	}
	if d.sv[v.actor] < v.clock {
		d.sv[v.actor] = v.clock
	}
	if d.clock < v.clock {
		d.clock = v.clock
	}
}

// EncodeStateAsUpdate encodes the full replica state as one update.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeUpdate(d.recordsLocked(nil))
}

// EncodeStateVector encodes the replica's version vector.
func (d *Doc) EncodeStateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeStateVector(d.sv)
}

// Diff encodes the writes the remote replica described by the given
// state vector has not seen yet. A nil or empty vector yields the
// full state.
func (d *Doc) Diff(stateVector []byte) ([]byte, error) {
	remote, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeUpdate(d.recordsLocked(remote)), nil
}

// recordsLocked snapshots node records, keeping only registers newer
// than the remote vector when one is given. Callers hold d.mu.
func (d *Doc) recordsLocked(remote map[string]uint64) []nodeRecord {
	newer := func(v version) bool {
		if v.isZero() {
			return false
		}
		if remote == nil {
			return true
		}
		return v.clock > remote[v.actor]
	}

	var records []nodeRecord
	for _, n := range d.nodes {
		rec := nodeRecord{id: n.id, kind: n.kind}
		touched := false
		if newer(n.parent.ver) {
			rec.parent = n.parent
			touched = true
		}
		if newer(n.del.ver) {
			rec.del = n.del
			touched = true
		}
		if newer(n.text.ver) {
			rec.text = n.text
			touched = true
		}
		for name, reg := range n.attrs {
			if newer(reg.ver) {
				if rec.attrs == nil {
					rec.attrs = make(map[string]attrReg)
				}
				rec.attrs[name] = reg
				touched = true
			}
		}
		if touched {
			records = append(records, rec)
		}
	}
	return records
}

type nodeRecord struct {
	id     NodeID
	kind   string
	parent parentReg
	del    flagReg
	text   textReg
	attrs  map[string]attrReg
}
