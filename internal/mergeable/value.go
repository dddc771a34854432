package mergeable

import (
	"bytes"

	"github.com/matheus3301/sessync/internal/codec"
	"github.com/matheus3301/sessync/internal/cryptobox"
)

// ValueKind tags the scalar stored in a Value.
type ValueKind uint8

const (
	KindInt ValueKind = iota + 1
	KindString
	KindBytes
)

// Value is a scalar stored under a key. Strings and bytes share storage but
// keep distinct kinds so round trips are lossless.
type Value struct {
	Kind  ValueKind `cbor:"k"`
	Int   int64     `cbor:"i,omitempty"`
	Bytes []byte    `cbor:"b,omitempty"`
}

func Int(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func String(s string) Value { return Value{Kind: KindString, Bytes: []byte(s)} }
func Bytes(b []byte) Value  { return Value{Kind: KindBytes, Bytes: bytes.Clone(b)} }

func (v Value) AsInt() (int64, bool) {
	return v.Int, v.Kind == KindInt
}

func (v Value) AsString() (string, bool) {
	return string(v.Bytes), v.Kind == KindString
}

func (v Value) AsBytes() ([]byte, bool) {
	return v.Bytes, v.Kind == KindBytes
}

// Equal reports whether v and o hold the same scalar.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	if v.Kind == KindInt {
		return v.Int == o.Int
	}
	return bytes.Equal(v.Bytes, o.Bytes)
}

// Entry is one key's state: the value or a tombstone, stamped with the
// seqno it was written at. The tie hash orders writes made at the same
// seqno identically on every device.
type Entry struct {
	Value   Value  `cbor:"v"`
	Deleted bool   `cbor:"d,omitempty"`
	Seqno   int64  `cbor:"s"`
	Tie     []byte `cbor:"t"`
}

func newEntry(v Value, deleted bool, seqno int64) Entry {
	if deleted {
		v = Value{}
	}
	enc, err := codec.Marshal(struct {
		V Value `cbor:"v"`
		D bool  `cbor:"d"`
	}{v, deleted})
	if err != nil {
		// Value holds only an int and a byte slice; encoding cannot fail.
		panic("mergeable: encode entry: " + err.Error())
	}
	tie := cryptobox.Hash(enc)
	return Entry{Value: v, Deleted: deleted, Seqno: seqno, Tie: tie[:]}
}

// wins reports whether e supersedes o.
func (e Entry) wins(o Entry) bool {
	if e.Seqno != o.Seqno {
		return e.Seqno > o.Seqno
	}
	return bytes.Compare(e.Tie, o.Tie) > 0
}

func (e Entry) same(o Entry) bool {
	return e.Seqno == o.Seqno && e.Deleted == o.Deleted && bytes.Equal(e.Tie, o.Tie)
}

func equalEntries(a, b map[string]Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for k, ea := range a {
		eb, ok := b[k]
		if !ok || !ea.same(eb) {
			return false
		}
	}
	return true
}
