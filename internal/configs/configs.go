// Package configs provides typed views over the mergeable objects of each
// namespace. Values that fail to parse as the current schema read as
// absent, so one corrupt entry never hides the rest of an object.
package configs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
)

// HiddenPriority marks a conversation that exists but is not shown.
const HiddenPriority int64 = -1

var (
	// ErrInvalidConfigObject is returned when a typed view is requested
	// over an object of another namespace.
	ErrInvalidConfigObject = errors.New("invalid config object")
	// ErrNotAdmin is returned when mutating a group object without the
	// group secret key.
	ErrNotAdmin = fmt.Errorf("not a group admin: %w", mergeable.ErrReadOnly)
	// ErrInvalidID is returned for malformed identities.
	ErrInvalidID = errors.New("invalid identity")
)

// ShouldBeVisible reports whether a conversation with priority p is shown.
func ShouldBeVisible(p int64) bool {
	return p != HiddenPriority
}

// Pinned reports whether priority p pins a conversation.
func Pinned(p int64) bool {
	return p > 0
}

func object(c mergeable.Config, ns namespace.Namespace) (*mergeable.Object, error) {
	o, ok := c.(*mergeable.Object)
	if !ok || o.Namespace() != ns {
		return nil, fmt.Errorf("%w: want %s", ErrInvalidConfigObject, ns)
	}
	return o, nil
}

// wrapWrite maps the engine's read-only error to ErrNotAdmin.
func wrapWrite(err error) error {
	if errors.Is(err, mergeable.ErrReadOnly) {
		return ErrNotAdmin
	}
	return err
}

// record is a keyed group of fields under prefix "<p>/<id>/".
type record struct {
	o      *mergeable.Object
	prefix string
}

func newRecord(o *mergeable.Object, p, id string) record {
	return record{o: o, prefix: p + "/" + id + "/"}
}

func (r record) str(field string) string {
	v, ok := r.o.Get(r.prefix + field)
	if !ok {
		return ""
	}
	s, ok := v.AsString()
	if !ok {
		return ""
	}
	return s
}

func (r record) int(field string) int64 {
	v, ok := r.o.Get(r.prefix + field)
	if !ok {
		return 0
	}
	n, ok := v.AsInt()
	if !ok {
		return 0
	}
	return n
}

func (r record) bool(field string) bool {
	return r.int(field) != 0
}

func (r record) bytes(field string) []byte {
	v, ok := r.o.Get(r.prefix + field)
	if !ok {
		return nil
	}
	b, ok := v.AsBytes()
	if !ok {
		return nil
	}
	return b
}

func (r record) setStr(field, s string) error {
	if s == "" {
		return r.o.Erase(r.prefix + field)
	}
	return r.o.Set(r.prefix+field, mergeable.String(s))
}

func (r record) setInt(field string, n int64) error {
	if n == 0 {
		return r.o.Erase(r.prefix + field)
	}
	return r.o.Set(r.prefix+field, mergeable.Int(n))
}

func (r record) setBool(field string, b bool) error {
	if b {
		return r.setInt(field, 1)
	}
	return r.setInt(field, 0)
}

func (r record) setBytes(field string, b []byte) error {
	if len(b) == 0 {
		return r.o.Erase(r.prefix + field)
	}
	return r.o.Set(r.prefix+field, mergeable.Bytes(b))
}

// exists is the marker field every record carries.
const exists = "!"

func (r record) present() bool {
	return r.int(exists) == 1
}

func (r record) touch() error {
	return r.o.Set(r.prefix+exists, mergeable.Int(1))
}

func (r record) erase() error {
	return r.o.ErasePrefix(r.prefix)
}

// ids lists the ids of records present under prefix p.
func ids(o *mergeable.Object, p string) []string {
	var out []string
	for _, k := range o.Keys(p + "/") {
		rest := k[len(p)+1:]
		i := strings.LastIndexByte(rest, '/')
		if i > 0 && rest[i+1:] == exists {
			out = append(out, rest[:i])
		}
	}
	return out
}

// priority reads a priority field, treating negative values other than the
// hidden sentinel as corrupt.
func (r record) priority(field string) int64 {
	p := r.int(field)
	if p < 0 && p != HiddenPriority {
		return 0
	}
	return p
}

func validPriority(p int64) error {
	if p < 0 && p != HiddenPriority {
		return fmt.Errorf("priority %d: %w", p, mergeable.ErrBadValue)
	}
	return nil
}

// firstErr returns the first non-nil error. Every write in a record update
// is attempted; a failed mutate is rolled back as a whole by the caller.
func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
