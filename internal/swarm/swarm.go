// Package swarm is the relay transport: a client for storing and fetching
// namespace messages of an identity, and the relay server with its storage
// backends.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/matheus3301/sessync/internal/namespace"
)

// Relay status codes carried by StatusError.
const (
	StatusBadRequest = http.StatusBadRequest
	StatusNotFound   = http.StatusNotFound
	StatusConflict   = http.StatusConflict
	StatusInternal   = http.StatusInternalServerError
	StatusTimeout    = http.StatusGatewayTimeout
)

// DefaultRetrieveLimit bounds one Retrieve page.
const DefaultRetrieveLimit = 256

// ErrStaleSeqno is returned when a push carries a seqno not greater than
// the highest the relay holds for the namespace.
var ErrStaleSeqno = errors.New("stale seqno")

// StatusError is a relay rejection.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay status %d: %s", e.Code, e.Msg)
}

// Is matches ErrStaleSeqno for conflicts.
func (e *StatusError) Is(target error) bool {
	return target == ErrStaleSeqno && e.Code == StatusConflict
}

// Message is one stored message.
type Message struct {
	Hash      string              `cbor:"h"`
	Namespace namespace.Namespace `cbor:"n"`
	Timestamp int64               `cbor:"t"` // unix millis assigned by the relay
	Data      []byte              `cbor:"d"`
}

// StoreRequest stores data in identity's namespace. Seqno is checked for
// config namespaces when positive.
type StoreRequest struct {
	Identity  string              `cbor:"i"`
	Namespace namespace.Namespace `cbor:"n"`
	Seqno     int64               `cbor:"s"`
	Data      []byte              `cbor:"d"`
}

// StoreResponse is the relay's acknowledgement.
type StoreResponse struct {
	Hash      string `cbor:"h"`
	Timestamp int64  `cbor:"t"`
}

// RetrieveRequest fetches messages after LastHash, or all when LastHash is
// empty or unknown.
type RetrieveRequest struct {
	Identity  string              `cbor:"i"`
	Namespace namespace.Namespace `cbor:"n"`
	LastHash  string              `cbor:"l,omitempty"`
	Limit     int                 `cbor:"m,omitempty"`
}

// RetrieveResponse is one page of messages in storage order.
type RetrieveResponse struct {
	Messages []Message `cbor:"m"`
	More     bool      `cbor:"x,omitempty"`
}

// DeleteRequest removes messages by hash.
type DeleteRequest struct {
	Identity string   `cbor:"i"`
	Hashes   []string `cbor:"h"`
}

// DeleteResponse lists the hashes actually removed.
type DeleteResponse struct {
	Deleted []string `cbor:"d"`
}

// Client is the transport the sync engine consumes.
type Client interface {
	Store(ctx context.Context, req *StoreRequest) (*StoreResponse, error)
	Retrieve(ctx context.Context, req *RetrieveRequest) (*RetrieveResponse, error)
	Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error)
}

func validIdentity(id string) bool {
	k := namespace.Classify(id)
	return k == namespace.KindUser || k == namespace.KindGroup
}
