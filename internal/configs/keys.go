package configs

import (
	"bytes"
	"cmp"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/matheus3301/sessync/internal/codec"
	"github.com/matheus3301/sessync/internal/cryptobox"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
)

// KeyRetention is how long superseded group keys stay usable.
const KeyRetention = 30 * 24 * time.Hour

const (
	keysDomain     = "groups::Keys"
	messagesDomain = "groups::Messages"
	maxSeenKeys    = 1024
)

// KeyGen is one group key and the generation it was issued at.
type KeyGen struct {
	Generation int64  `cbor:"g"`
	Key        []byte `cbor:"k"`
	Timestamp  int64  `cbor:"t"`
}

type keysMessage struct {
	Generation int64             `cbor:"g"`
	Timestamp  int64             `cbor:"t"`
	Admin      []byte            `cbor:"a,omitempty"`
	Members    map[string][]byte `cbor:"m,omitempty"`
	Supplement bool              `cbor:"s,omitempty"`
}

type signedKeys struct {
	Data []byte `cbor:"d"`
	Sig  []byte `cbor:"g"`
}

type pendingRekey struct {
	Generation int64  `cbor:"g"`
	Data       []byte `cbor:"d"`
}

type keysDump struct {
	Version uint8            `cbor:"v"`
	Keys    []KeyGen         `cbor:"k"`
	Pending *pendingRekey    `cbor:"p,omitempty"`
	Current map[string]int64 `cbor:"c"`
	Seen    []string         `cbor:"n"`
}

// KeysOptions identifies the group and the local member.
type KeysOptions struct {
	GroupID string
	// SecretKey is the group secret key; nil for non-admin members.
	SecretKey ed25519.PrivateKey
	// MemberID and Member are the local account's id and key pair, used to
	// unwrap keys addressed to it.
	MemberID string
	Member   *cryptobox.X25519KeyPair
	Now      func() time.Time
}

// Keys is the key ring of one group. It implements mergeable.Config: rekey
// messages are pushed through the normal cycle, supplements are not.
type Keys struct {
	groupID  string
	verify   ed25519.PublicKey
	sign     ed25519.PrivateKey
	adminKey []byte
	memberID string
	member   *cryptobox.X25519KeyPair
	now      func() time.Time

	keys      []KeyGen
	pending   *pendingRekey
	sent      bool
	current   map[string]int64
	seen      []string
	seenSet   map[string]struct{}
	needsDump bool
}

var _ mergeable.Config = (*Keys)(nil)

// NewKeys creates a key ring, restoring it from dumped if non-empty.
func NewKeys(opts KeysOptions, dumped []byte) (*Keys, error) {
	verify, err := GroupPublicKey(opts.GroupID)
	if err != nil {
		return nil, err
	}
	k := &Keys{
		groupID:  opts.GroupID,
		verify:   verify,
		memberID: opts.MemberID,
		member:   opts.Member,
		now:      opts.Now,
		current:  make(map[string]int64),
		seenSet:  make(map[string]struct{}),
	}
	if k.now == nil {
		k.now = time.Now
	}
	if err := k.SetSecretKey(opts.SecretKey); err != nil {
		return nil, err
	}
	if len(dumped) == 0 {
		return k, nil
	}
	raw, err := cryptobox.DecompressDump(dumped)
	if err != nil {
		return nil, &mergeable.EngineError{Op: "load keys", Msg: err.Error(), Err: mergeable.ErrInvalidDump}
	}
	var d keysDump
	if err := codec.Unmarshal(raw, &d); err != nil || d.Version != 1 {
		msg := fmt.Sprintf("version %d", d.Version)
		if err != nil {
			msg = err.Error()
		}
		return nil, &mergeable.EngineError{Op: "load keys", Msg: msg, Err: mergeable.ErrInvalidDump}
	}
	for _, kg := range d.Keys {
		k.insert(kg)
	}
	k.pending = d.Pending
	if d.Current != nil {
		k.current = d.Current
	}
	for _, h := range d.Seen {
		k.markSeen(h)
	}
	return k, nil
}

// SetSecretKey promotes the local member to admin, or demotes with nil.
func (k *Keys) SetSecretKey(sk ed25519.PrivateKey) error {
	if sk == nil {
		k.sign, k.adminKey = nil, nil
		return nil
	}
	if !MatchesGroup(k.groupID, sk) {
		return fmt.Errorf("group %q: secret key does not match: %w", k.groupID, mergeable.ErrBadValue)
	}
	k.sign = sk
	k.adminKey = cryptobox.DerivedKey("sessync group admin key", sk.Seed())
	return nil
}

// Admin reports whether the ring holds the group secret key.
func (k *Keys) Admin() bool { return k.sign != nil }

func (k *Keys) Namespace() namespace.Namespace { return namespace.GroupKeys }

// Generation returns the newest generation, or -1 with no keys.
func (k *Keys) Generation() int64 {
	if len(k.keys) == 0 {
		return -1
	}
	return k.keys[0].Generation
}

// GroupKeys returns the usable keys, newest first. The first encrypts
// group info and members.
func (k *Keys) GroupKeys() [][]byte {
	out := make([][]byte, 0, len(k.keys))
	for _, kg := range k.keys {
		out = append(out, kg.Key)
	}
	return out
}

// NeedsRekey reports a collision: more than one key at the newest
// generation.
func (k *Keys) NeedsRekey() bool {
	return len(k.collision()) > 1
}

func (k *Keys) collision() [][]byte {
	var out [][]byte
	for _, kg := range k.keys {
		if kg.Generation != k.keys[0].Generation {
			break
		}
		out = append(out, kg.Key)
	}
	return out
}

// insert adds kg keeping keys sorted newest first, ties by key bytes.
// It reports whether kg was new.
func (k *Keys) insert(kg KeyGen) bool {
	if len(kg.Key) != cryptobox.KeySize || kg.Generation < 0 {
		return false
	}
	for _, have := range k.keys {
		if have.Generation == kg.Generation && bytes.Equal(have.Key, kg.Key) {
			return false
		}
	}
	k.keys = append(k.keys, KeyGen{Generation: kg.Generation, Key: bytes.Clone(kg.Key), Timestamp: kg.Timestamp})
	slices.SortFunc(k.keys, func(a, b KeyGen) int {
		if c := cmp.Compare(b.Generation, a.Generation); c != 0 {
			return c
		}
		return bytes.Compare(a.Key, b.Key)
	})
	return true
}

// Rekey issues a new generation wrapped for members and returns the new
// key. After a collision the key is derived from the admin key and the
// colliding keys, so every admin resolving it produces the same key while
// members, who hold only the colliding keys, cannot. On error the ring is
// unchanged.
func (k *Keys) Rekey(members []string) ([]byte, error) {
	if !k.Admin() {
		return nil, ErrNotAdmin
	}
	gen := k.Generation() + 1
	var key []byte
	if colliding := k.collision(); len(colliding) > 1 {
		material := binary.BigEndian.AppendUint64(slices.Clone(k.adminKey), uint64(gen))
		for _, c := range colliding {
			material = append(material, c...)
		}
		key = cryptobox.DerivedKey("sessync group rekey collision", material)
	} else {
		var err error
		if key, err = cryptobox.RandomKey(); err != nil {
			return nil, err
		}
	}
	kg := KeyGen{Generation: gen, Key: key, Timestamp: k.now().UnixMilli()}
	data, err := k.buildMessage(kg.Generation, []KeyGen{kg}, members, false)
	if err != nil {
		return nil, err
	}
	k.insert(kg)
	k.pending = &pendingRekey{Generation: gen, Data: data}
	k.sent = false
	k.needsDump = true
	return key, nil
}

// KeySupplement wraps every current key for members without touching the
// ring's generation or push state.
func (k *Keys) KeySupplement(members []string) ([]byte, error) {
	if !k.Admin() {
		return nil, ErrNotAdmin
	}
	if len(k.keys) == 0 {
		return nil, errors.New("key supplement: no keys")
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("key supplement: %w", ErrInvalidID)
	}
	return k.buildMessage(k.Generation(), k.keys, members, true)
}

func (k *Keys) buildMessage(gen int64, keys []KeyGen, members []string, supplement bool) ([]byte, error) {
	payload, err := codec.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("encode keys: %w", err)
	}
	msg := keysMessage{
		Generation: gen,
		Timestamp:  k.now().UnixMilli(),
		Members:    make(map[string][]byte, len(members)),
		Supplement: supplement,
	}
	if !supplement {
		if msg.Admin, err = cryptobox.Seal(k.adminKey, keysDomain, payload); err != nil {
			return nil, err
		}
	}
	for _, id := range members {
		pub, err := memberPublicKey(id)
		if err != nil {
			return nil, err
		}
		if msg.Members[id], err = cryptobox.WrapKey(pub, payload); err != nil {
			return nil, err
		}
	}
	data, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode keys message: %w", err)
	}
	return codec.Marshal(signedKeys{Data: data, Sig: ed25519.Sign(k.sign, data)})
}

func memberPublicKey(id string) (*[32]byte, error) {
	if namespace.Classify(id) != namespace.KindUser {
		return nil, fmt.Errorf("member %q: %w", id, ErrInvalidID)
	}
	raw, err := hex.DecodeString(id[len(namespace.UserPrefix):])
	if err != nil {
		return nil, fmt.Errorf("member %q: %w", id, ErrInvalidID)
	}
	var pub [32]byte
	copy(pub[:], raw)
	return &pub, nil
}

// Merge applies rekey and supplement messages. Messages that are not
// signed by the group or carry no key readable by this device are skipped.
func (k *Keys) Merge(msgs []mergeable.Message) ([]string, error) {
	var accepted []string
	for _, m := range msgs {
		if m.Namespace != namespace.GroupKeys || m.Hash == "" {
			continue
		}
		if _, ok := k.seenSet[m.Hash]; ok {
			continue
		}
		msg, keys, err := k.open(m.Data)
		if err != nil {
			continue
		}
		k.markSeen(m.Hash)
		k.needsDump = true
		for _, kg := range keys {
			k.insert(kg)
		}
		if !msg.Supplement {
			k.current[m.Hash] = msg.Generation
		}
		if k.pending != nil && bytes.Equal(m.Data, k.pending.Data) {
			// Our own rekey, stored by a push whose confirmation was lost.
			k.pending = nil
		}
		accepted = append(accepted, m.Hash)
	}
	if len(accepted) > 0 {
		k.prune()
	}
	return accepted, nil
}

func (k *Keys) open(data []byte) (keysMessage, []KeyGen, error) {
	var env signedKeys
	if err := codec.Unmarshal(data, &env); err != nil {
		return keysMessage{}, nil, err
	}
	if !ed25519.Verify(k.verify, env.Data, env.Sig) {
		return keysMessage{}, nil, errors.New("bad signature")
	}
	var msg keysMessage
	if err := codec.Unmarshal(env.Data, &msg); err != nil {
		return keysMessage{}, nil, err
	}
	var payload []byte
	if k.adminKey != nil && msg.Admin != nil {
		payload, _, _ = cryptobox.Open([][]byte{k.adminKey}, keysDomain, msg.Admin)
	}
	if payload == nil && k.member != nil {
		if wrapped, ok := msg.Members[k.memberID]; ok {
			payload, _ = cryptobox.UnwrapKey(k.member, wrapped)
		}
	}
	if payload == nil {
		return keysMessage{}, nil, cryptobox.ErrDecrypt
	}
	var keys []KeyGen
	if err := codec.Unmarshal(payload, &keys); err != nil {
		return keysMessage{}, nil, err
	}
	return msg, keys, nil
}

// prune drops keys past retention, always keeping the newest generation.
func (k *Keys) prune() {
	if len(k.keys) == 0 {
		return
	}
	newest := k.keys[0].Generation
	cutoff := k.now().Add(-KeyRetention).UnixMilli()
	k.keys = slices.DeleteFunc(k.keys, func(kg KeyGen) bool {
		return kg.Generation != newest && kg.Timestamp < cutoff
	})
	oldest := k.keys[len(k.keys)-1].Generation
	maps.DeleteFunc(k.current, func(_ string, gen int64) bool { return gen < oldest })
}

func (k *Keys) markSeen(hash string) {
	if _, ok := k.seenSet[hash]; ok {
		return
	}
	k.seenSet[hash] = struct{}{}
	k.seen = append(k.seen, hash)
	if len(k.seen) > maxSeenKeys {
		delete(k.seenSet, k.seen[0])
		k.seen = k.seen[1:]
	}
}

func (k *Keys) NeedsPush() bool { return k.pending != nil && k.Admin() }

// NeedsSend reports a pending rekey not yet handed to Push since it was
// issued or loaded.
func (k *Keys) NeedsSend() bool { return k.NeedsPush() && !k.sent }

// Push returns the pending rekey message. Its seqno is the generation.
func (k *Keys) Push() (*mergeable.PushData, error) {
	if k.pending == nil {
		return nil, &mergeable.EngineError{Op: "push keys", Msg: "nothing to push"}
	}
	k.sent = true
	return &mergeable.PushData{
		Namespace: namespace.GroupKeys,
		Seqno:     k.pending.Generation,
		Data:      slices.Clone(k.pending.Data),
	}, nil
}

func (k *Keys) ConfirmPushed(seqno int64, hash string) {
	k.markSeen(hash)
	k.current[hash] = seqno
	k.needsDump = true
	if k.pending != nil && k.pending.Generation == seqno {
		k.pending = nil
	}
}

func (k *Keys) NeedsDump() bool { return k.needsDump }

func (k *Keys) Dump() ([]byte, error) {
	raw, err := codec.Marshal(keysDump{
		Version: 1,
		Keys:    k.keys,
		Pending: k.pending,
		Current: k.current,
		Seen:    k.seen,
	})
	if err != nil {
		return nil, &mergeable.EngineError{Op: "dump keys", Msg: err.Error(), Err: err}
	}
	out, err := cryptobox.CompressDump(raw)
	if err != nil {
		return nil, &mergeable.EngineError{Op: "dump keys", Msg: err.Error(), Err: err}
	}
	k.needsDump = false
	return out, nil
}

func (k *Keys) CurrentHashes() []string {
	return slices.Sorted(maps.Keys(k.current))
}

func (k *Keys) Checkpoint() func() {
	keys := slices.Clone(k.keys)
	pending := k.pending
	current := maps.Clone(k.current)
	needsDump, sent := k.needsDump, k.sent
	return func() {
		k.keys, k.pending, k.current, k.needsDump, k.sent = keys, pending, current, needsDump, sent
	}
}

// Encrypt seals group message content under the newest key.
func (k *Keys) Encrypt(plaintext []byte) ([]byte, error) {
	if len(k.keys) == 0 {
		return nil, errors.New("encrypt: no group keys")
	}
	return cryptobox.Seal(k.keys[0].Key, messagesDomain, plaintext)
}

// Decrypt opens group message content with any retained key.
func (k *Keys) Decrypt(sealed []byte) ([]byte, error) {
	out, _, err := cryptobox.Open(k.GroupKeys(), messagesDomain, sealed)
	return out, err
}
