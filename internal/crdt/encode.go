package crdt

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Wire format constants. The leading byte tags the payload type;
// changing these breaks encoded-state compatibility.
const (
	formatUpdate      byte = 0x01
	formatStateVector byte = 0x02
)

var ErrBadEncoding = errors.New("crdt: malformed encoding")

func encodeUpdate(records []nodeRecord) []byte {
	// Deterministic output: order records by node id.
	sort.Slice(records, func(i, j int) bool { return records[i].id < records[j].id })

	buf := []byte{formatUpdate}
	buf = binary.AppendUvarint(buf, uint64(len(records)))
	for _, rec := range records {
		buf = appendString(buf, string(rec.id))
		buf = appendString(buf, rec.kind)

		buf = appendVersion(buf, rec.parent.ver)
		if !rec.parent.ver.isZero() {
			buf = appendString(buf, string(rec.parent.parent))
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(rec.parent.order))
		}

		buf = appendVersion(buf, rec.del.ver)
		if !rec.del.ver.isZero() {
			if rec.del.deleted {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		}

		buf = appendVersion(buf, rec.text.ver)
		if !rec.text.ver.isZero() {
			buf = appendString(buf, rec.text.text)
		}

		names := make([]string, 0, len(rec.attrs))
		for name := range rec.attrs {
			names = append(names, name)
		}
		sort.Strings(names)
		buf = binary.AppendUvarint(buf, uint64(len(names)))
		for _, name := range names {
			reg := rec.attrs[name]
			buf = appendString(buf, name)
			buf = appendVersion(buf, reg.ver)
			value, err := json.Marshal(reg.value)
			if err != nil {
				// Attr values are validated JSON-representable at
				// SetAttr time; fall back to null rather than emit a
				// torn record.
				value = []byte("null")
			}
			buf = appendBytes(buf, value)
		}
	}
	return buf
}

func decodeUpdate(data []byte) ([]nodeRecord, error) {
	r := &reader{buf: data}
	if r.byte() != formatUpdate {
		return nil, fmt.Errorf("%w: not an update payload", ErrBadEncoding)
	}
	count := r.uvarint()
	var records []nodeRecord
	for i := uint64(0); i < count && r.err == nil; i++ {
		rec := nodeRecord{}
		rec.id = NodeID(r.string())
		rec.kind = r.string()

		rec.parent.ver = r.version()
		if !rec.parent.ver.isZero() {
			rec.parent.parent = NodeID(r.string())
			rec.parent.order = math.Float64frombits(r.uint64())
		}

		rec.del.ver = r.version()
		if !rec.del.ver.isZero() {
			rec.del.deleted = r.byte() == 1
		}

		rec.text.ver = r.version()
		if !rec.text.ver.isZero() {
			rec.text.text = r.string()
		}

		nattrs := r.uvarint()
		for j := uint64(0); j < nattrs && r.err == nil; j++ {
			name := r.string()
			reg := attrReg{ver: r.version()}
			raw := r.bytes()
			if r.err == nil {
				if err := json.Unmarshal(raw, &reg.value); err != nil {
					r.err = fmt.Errorf("%w: attr value: %v", ErrBadEncoding, err)
					break
				}
			}
			if rec.attrs == nil {
				rec.attrs = make(map[string]attrReg)
			}
			rec.attrs[name] = reg
		}
		records = append(records, rec)
	}
	if r.err != nil {
		return nil, r.err
	}
	return records, nil
}

func encodeStateVector(sv map[string]uint64) []byte {
	actors := make([]string, 0, len(sv))
	for actor := range sv {
		actors = append(actors, actor)
	}
	sort.Strings(actors)

	buf := []byte{formatStateVector}
	buf = binary.AppendUvarint(buf, uint64(len(actors)))
	for _, actor := range actors {
		buf = appendString(buf, actor)
		buf = binary.AppendUvarint(buf, sv[actor])
	}
	return buf
}

func decodeStateVector(data []byte) (map[string]uint64, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := &reader{buf: data}
	if r.byte() != formatStateVector {
		return nil, fmt.Errorf("%w: not a state vector payload", ErrBadEncoding)
	}
	count := r.uvarint()
	sv := make(map[string]uint64, count)
	for i := uint64(0); i < count && r.err == nil; i++ {
		actor := r.string()
		sv[actor] = r.uvarint()
	}
	if r.err != nil {
		return nil, r.err
	}
	return sv, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func appendVersion(buf []byte, v version) []byte {
	buf = binary.AppendUvarint(buf, v.clock)
	if !v.isZero() {
		buf = appendString(buf, v.actor)
	}
	return buf
}

// reader is a sticky-error decoder over an update payload.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.buf) {
		r.err = fmt.Errorf("%w: truncated", ErrBadEncoding)
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		r.err = fmt.Errorf("%w: bad varint", ErrBadEncoding)
		return 0
	}
	r.pos += n
	return v
}

func (r *reader) uint64() uint64 {
	if r.err != nil {
		return 0
	}
	if r.pos+8 > len(r.buf) {
		r.err = fmt.Errorf("%w: truncated", ErrBadEncoding)
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) bytes() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if uint64(r.pos)+n > uint64(len(r.buf)) {
		r.err = fmt.Errorf("%w: truncated", ErrBadEncoding)
		return nil
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b
}

func (r *reader) string() string {
	return string(r.bytes())
}

func (r *reader) version() version {
	clock := r.uvarint()
	if clock == 0 {
		return version{}
	}
	return version{clock: clock, actor: r.string()}
}
