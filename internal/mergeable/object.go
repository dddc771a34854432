// Package mergeable implements the mergeable config objects that every
// namespace is stored in: a last-writer-wins map keyed by string with
// per-entry seqno stamps and tombstones, so snapshots from any number of
// devices merge commutatively and idempotently.
package mergeable

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/matheus3301/sessync/internal/codec"
	"github.com/matheus3301/sessync/internal/cryptobox"
	"github.com/matheus3301/sessync/internal/namespace"
)

// maxSeen bounds the remembered message hashes.
const maxSeen = 1024

// Options configures a new Object.
type Options struct {
	Namespace namespace.Namespace
	// Keys are the symmetric keys tried for decryption; the first encrypts.
	Keys [][]byte
	// Verify is the group public key. Set for group namespaces only.
	Verify ed25519.PublicKey
	// Sign is the group secret key; nil for non-admin members.
	Sign ed25519.PrivateKey
}

// Object is a mergeable config object. It is not safe for concurrent use;
// callers serialize access per identity.
type Object struct {
	ns     namespace.Namespace
	keys   [][]byte
	verify ed25519.PublicKey
	sign   ed25519.PrivateKey

	state     State
	seqno     int64
	entries   map[string]Entry
	current   map[string]struct{}
	obsolete  map[string]struct{}
	seen      []string
	seenSet   map[string]struct{}
	needsDump bool
}

type snapshot struct {
	Seqno   int64            `cbor:"s"`
	Entries map[string]Entry `cbor:"e"`
}

type envelope struct {
	Data []byte `cbor:"d"`
	Sig  []byte `cbor:"g,omitempty"`
}

type dump struct {
	Version  uint8            `cbor:"v"`
	State    State            `cbor:"st"`
	Seqno    int64            `cbor:"s"`
	Entries  map[string]Entry `cbor:"e"`
	Current  []string         `cbor:"c"`
	Obsolete []string         `cbor:"o"`
	Seen     []string         `cbor:"n"`
}

// New creates an object, restoring it from dumped if non-empty.
func New(opts Options, dumped []byte) (*Object, error) {
	if !opts.Namespace.IsConfig() || opts.Namespace == namespace.GroupKeys {
		return nil, engineError("new", fmt.Errorf("%w: namespace %s", ErrBadValue, opts.Namespace))
	}
	if opts.Namespace.IsGroup() && len(opts.Verify) != ed25519.PublicKeySize {
		return nil, engineError("new", fmt.Errorf("%w: group object needs a verification key", ErrBadValue))
	}
	o := &Object{
		ns:       opts.Namespace,
		verify:   opts.Verify,
		sign:     opts.Sign,
		entries:  make(map[string]Entry),
		current:  make(map[string]struct{}),
		obsolete: make(map[string]struct{}),
		seenSet:  make(map[string]struct{}),
	}
	for _, k := range opts.Keys {
		o.AddKey(k, false)
	}
	if len(dumped) == 0 {
		return o, nil
	}
	raw, err := cryptobox.DecompressDump(dumped)
	if err != nil {
		return nil, engineError("load", fmt.Errorf("%w: %v", ErrInvalidDump, err))
	}
	var d dump
	if err := codec.Unmarshal(raw, &d); err != nil {
		return nil, engineError("load", fmt.Errorf("%w: %v", ErrInvalidDump, err))
	}
	if d.Version != 1 {
		return nil, engineError("load", fmt.Errorf("%w: version %d", ErrInvalidDump, d.Version))
	}
	o.state = d.State
	o.seqno = d.Seqno
	if d.Entries != nil {
		o.entries = d.Entries
	}
	for _, h := range d.Current {
		o.current[h] = struct{}{}
	}
	for _, h := range d.Obsolete {
		o.obsolete[h] = struct{}{}
	}
	for _, h := range d.Seen {
		o.markSeen(h)
	}
	return o, nil
}

func (o *Object) Namespace() namespace.Namespace { return o.ns }

// State returns the push state.
func (o *Object) State() State { return o.state }

// Seqno returns the current seqno.
func (o *Object) Seqno() int64 { return o.seqno }

// AddKey adds a decryption key. A high-priority key moves to the front and
// becomes the encryption key. Duplicate keys are moved, not repeated.
func (o *Object) AddKey(key []byte, highPriority bool) {
	if len(key) != cryptobox.KeySize {
		return
	}
	o.keys = slices.DeleteFunc(o.keys, func(k []byte) bool { return string(k) == string(key) })
	key = slices.Clone(key)
	if highPriority {
		o.keys = slices.Insert(o.keys, 0, key)
		return
	}
	o.keys = append(o.keys, key)
}

// KeyCount returns how many decryption keys are loaded.
func (o *Object) KeyCount() int { return len(o.keys) }

// SetSigner grants or revokes the ability to push a group object.
func (o *Object) SetSigner(sign ed25519.PrivateKey) { o.sign = sign }

// Writable reports whether the object accepts local mutation.
func (o *Object) Writable() bool {
	return !o.ns.IsGroup() || o.sign != nil
}

// Get returns the live value at key.
func (o *Object) Get(key string) (Value, bool) {
	e, ok := o.entries[key]
	if !ok || e.Deleted {
		return Value{}, false
	}
	return e.Value, true
}

// Set writes v at key. Writing an identical value is a no-op.
func (o *Object) Set(key string, v Value) error {
	if !o.Writable() {
		return ErrReadOnly
	}
	if key == "" || v.Kind == 0 {
		return fmt.Errorf("set %q: %w", key, ErrBadValue)
	}
	if cur, ok := o.Get(key); ok && cur.Equal(v) {
		return nil
	}
	o.dirty()
	o.entries[key] = newEntry(v, false, o.seqno)
	return nil
}

// Erase tombstones key. Erasing an absent key is a no-op.
func (o *Object) Erase(key string) error {
	if !o.Writable() {
		return ErrReadOnly
	}
	if _, ok := o.Get(key); !ok {
		return nil
	}
	o.dirty()
	o.entries[key] = newEntry(Value{}, true, o.seqno)
	return nil
}

// ErasePrefix tombstones every live key starting with prefix.
func (o *Object) ErasePrefix(prefix string) error {
	for _, k := range o.Keys(prefix) {
		if err := o.Erase(k); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the live keys starting with prefix, sorted.
func (o *Object) Keys(prefix string) []string {
	var out []string
	for k, e := range o.entries {
		if !e.Deleted && strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// MarkDirty forces a new push, used after the encryption key changes.
func (o *Object) MarkDirty() {
	if o.Writable() {
		o.dirty()
	}
}

// dirty moves the object to Dirty, opening a new seqno unless one is
// already open.
func (o *Object) dirty() {
	if o.state != Dirty {
		o.seqno++
		o.state = Dirty
	}
	o.needsDump = true
}

func (o *Object) NeedsPush() bool {
	return o.state != Clean && o.Writable()
}

// NeedsSend reports changes not yet serialized by Push. A Waiting object
// still needs a push but is left to the retry path.
func (o *Object) NeedsSend() bool {
	return o.state == Dirty && o.Writable()
}

func (o *Object) NeedsDump() bool { return o.needsDump }

// Push serializes the object for sending. A Dirty object moves to Waiting;
// pushing again before confirmation re-sends the same seqno.
func (o *Object) Push() (*PushData, error) {
	if !o.Writable() {
		return nil, engineError("push", ErrReadOnly)
	}
	if len(o.keys) == 0 {
		return nil, engineError("push", errors.New("no encryption key"))
	}
	plain, err := codec.Marshal(snapshot{Seqno: o.seqno, Entries: o.entries})
	if err != nil {
		return nil, engineError("push", err)
	}
	sealed, err := cryptobox.Seal(o.keys[0], o.ns.Domain(), cryptobox.Pad(cryptobox.Compress(plain)))
	if err != nil {
		return nil, engineError("push", err)
	}
	env := envelope{Data: sealed}
	if o.ns.IsGroup() {
		env.Sig = ed25519.Sign(o.sign, sealed)
	}
	data, err := codec.Marshal(env)
	if err != nil {
		return nil, engineError("push", err)
	}
	if o.state == Dirty {
		o.state = Waiting
		o.needsDump = true
	}
	obsolete := make([]string, 0, len(o.current)+len(o.obsolete))
	for h := range o.current {
		obsolete = append(obsolete, h)
	}
	for h := range o.obsolete {
		obsolete = append(obsolete, h)
	}
	slices.Sort(obsolete)
	return &PushData{Namespace: o.ns, Seqno: o.seqno, Data: data, Obsolete: obsolete}, nil
}

// ConfirmPushed records that the push for seqno was stored under hash.
// Confirmations for any other seqno only record the hash so the next push
// marks it obsolete.
func (o *Object) ConfirmPushed(seqno int64, hash string) {
	o.markSeen(hash)
	o.needsDump = true
	if seqno == o.seqno && o.state == Waiting {
		for h := range o.current {
			o.obsolete[h] = struct{}{}
		}
		clear(o.current)
		o.current[hash] = struct{}{}
		o.state = Clean
		return
	}
	if seqno == o.seqno && o.state == Clean {
		o.current[hash] = struct{}{}
		return
	}
	o.obsolete[hash] = struct{}{}
}

// ClearObsolete forgets hashes once the relay deleted them.
func (o *Object) ClearObsolete(hashes []string) {
	for _, h := range hashes {
		if _, ok := o.obsolete[h]; ok {
			delete(o.obsolete, h)
			o.needsDump = true
		}
	}
}

func (o *Object) CurrentHashes() []string {
	out := slices.Collect(maps.Keys(o.current))
	slices.Sort(out)
	return out
}

// Merge joins the snapshots carried by msgs into the object. When the join
// equals one incoming snapshot the object adopts it and is clean; when it
// adds nothing the object is unchanged; otherwise the object becomes dirty
// one seqno past everything seen so the resolved state is pushed.
func (o *Object) Merge(msgs []Message) ([]string, error) {
	type incoming struct {
		hash string
		snap snapshot
	}
	var ins []incoming
	for _, m := range msgs {
		if m.Namespace != o.ns || m.Hash == "" {
			continue
		}
		if _, ok := o.seenSet[m.Hash]; ok {
			continue
		}
		snap, err := o.open(m.Data)
		if err != nil {
			continue
		}
		o.markSeen(m.Hash)
		ins = append(ins, incoming{hash: m.Hash, snap: snap})
	}
	if len(ins) == 0 {
		return nil, nil
	}

	joined := maps.Clone(o.entries)
	maxSeqno := o.seqno
	accepted := make([]string, 0, len(ins))
	for _, in := range ins {
		contributed := false
		for k, e := range in.snap.Entries {
			if cur, ok := joined[k]; !ok || e.wins(cur) {
				joined[k] = e
				contributed = true
			}
		}
		// A snapshot older than ours that adds nothing is stale.
		if contributed || in.snap.Seqno >= o.seqno {
			accepted = append(accepted, in.hash)
		}
		maxSeqno = max(maxSeqno, in.snap.Seqno)
	}
	o.needsDump = true

	if equalEntries(joined, o.entries) && maxSeqno == o.seqno {
		for _, in := range ins {
			if in.snap.Seqno == o.seqno && equalEntries(in.snap.Entries, o.entries) {
				// Another device pushed exactly our state.
				o.current[in.hash] = struct{}{}
				o.state = Clean
			} else {
				o.obsolete[in.hash] = struct{}{}
			}
		}
		return accepted, nil
	}

	if o.state != Dirty {
		for _, in := range ins {
			if in.snap.Seqno == maxSeqno && equalEntries(in.snap.Entries, joined) {
				o.entries = joined
				o.seqno = maxSeqno
				o.state = Clean
				clear(o.current)
				for _, other := range ins {
					if other.snap.Seqno == maxSeqno && equalEntries(other.snap.Entries, joined) {
						o.current[other.hash] = struct{}{}
					}
				}
				return accepted, nil
			}
		}
	}

	o.entries = joined
	for h := range o.current {
		o.obsolete[h] = struct{}{}
	}
	clear(o.current)
	for _, in := range ins {
		o.obsolete[in.hash] = struct{}{}
	}
	if !o.Writable() {
		// Members cannot push a resolution; they track the highest seqno
		// and wait for an admin to publish one.
		o.seqno = maxSeqno
		o.state = Clean
		return accepted, nil
	}
	o.seqno = maxSeqno + 1
	o.state = Dirty
	return accepted, nil
}

func (o *Object) open(data []byte) (snapshot, error) {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return snapshot{}, err
	}
	if o.ns.IsGroup() {
		if len(env.Sig) != ed25519.SignatureSize || !ed25519.Verify(o.verify, env.Data, env.Sig) {
			return snapshot{}, errors.New("bad signature")
		}
	}
	padded, _, err := cryptobox.Open(o.keys, o.ns.Domain(), env.Data)
	if err != nil {
		return snapshot{}, err
	}
	compressed, err := cryptobox.Unpad(padded)
	if err != nil {
		return snapshot{}, err
	}
	plain, err := cryptobox.Decompress(compressed)
	if err != nil {
		return snapshot{}, err
	}
	var snap snapshot
	if err := codec.Unmarshal(plain, &snap); err != nil {
		return snapshot{}, err
	}
	for k, e := range snap.Entries {
		if k == "" || len(e.Tie) != 32 {
			delete(snap.Entries, k)
		}
	}
	return snap, nil
}

func (o *Object) markSeen(hash string) {
	if _, ok := o.seenSet[hash]; ok {
		return
	}
	o.seenSet[hash] = struct{}{}
	o.seen = append(o.seen, hash)
	if len(o.seen) > maxSeen {
		drop := o.seen[0]
		o.seen = o.seen[1:]
		delete(o.seenSet, drop)
	}
}

// Dump serializes the full object state and clears NeedsDump.
func (o *Object) Dump() ([]byte, error) {
	d := dump{
		Version:  1,
		State:    o.state,
		Seqno:    o.seqno,
		Entries:  o.entries,
		Current:  o.CurrentHashes(),
		Obsolete: slices.Sorted(maps.Keys(o.obsolete)),
		Seen:     o.seen,
	}
	raw, err := codec.Marshal(d)
	if err != nil {
		return nil, engineError("dump", err)
	}
	out, err := cryptobox.CompressDump(raw)
	if err != nil {
		return nil, engineError("dump", err)
	}
	o.needsDump = false
	return out, nil
}

// Checkpoint captures entries and push state for rollback of a failed
// mutation.
func (o *Object) Checkpoint() func() {
	state, seqno, needsDump := o.state, o.seqno, o.needsDump
	entries := maps.Clone(o.entries)
	keys := slices.Clone(o.keys)
	return func() {
		o.state, o.seqno, o.needsDump = state, seqno, needsDump
		o.entries = entries
		o.keys = keys
	}
}

// Equal reports whether two objects hold identical content at the same
// seqno.
func (o *Object) Equal(other *Object) bool {
	return o.seqno == other.seqno && equalEntries(o.entries, other.entries)
}
