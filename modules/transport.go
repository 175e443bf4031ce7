package modules

import (
	"gitlab.com/NebulousLabs/errors"
)

var (
	// ErrInvalidContentID is returned when a content id has the wrong
	// width or contains characters outside '0'-'9' and 'a'-'z'.
	ErrInvalidContentID = errors.New("invalid content id")
)

type (
	// ContentID identifies a content item. On the wire it is a fixed-width
	// ascii string of CRIDSize characters drawn from '0'-'9' and 'a'-'z'.
	ContentID string

	// NodeID identifies a node in the network. The fetcher treats it as an
	// opaque token that the connection framework knows how to dial.
	NodeID string

	// Slice identifies one slice of a content item along with its size in
	// bytes. Contents are divided into slices of roughly 4 MiB, each
	// replicated on a subset of the nodes in the network.
	Slice struct {
		ID   uint16
		Size uint64
	}

	// A Transport holds the collaborators for one content download: the
	// queries that locate nodes holding a slice and the storage area that
	// receives the slice bytes. Node list queries are idempotent, read-only
	// and may be called at any time. Storage writes for disjoint ranges of
	// the same slice never race.
	Transport interface {
		// ContentID returns the content this transport downloads.
		ContentID() ContentID

		// NodeList returns the regular tier nodes known to hold the slice.
		NodeList(slice Slice) ([]NodeID, error)

		// FallbackNodeList returns the fallback server nodes holding the
		// slice. Fallback nodes are cost sensitive and must only be used
		// once a download has escalated.
		FallbackNodeList(slice Slice) ([]NodeID, error)

		// StoreSliceData writes buf into the storage area reserved for the
		// slice, starting at offset.
		StoreSliceData(slice Slice, buf []byte, offset uint64) error

		// SliceData returns the full stored data of the slice.
		SliceData(slice Slice) ([]byte, error)
	}
)

// ValidateContentID checks that a content id is well formed.
func ValidateContentID(crid ContentID) error {
	if len(crid) != CRIDSize {
		return errors.AddContext(ErrInvalidContentID, "wrong width")
	}
	for i := 0; i < len(crid); i++ {
		c := crid[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
			return errors.AddContext(ErrInvalidContentID, "illegal character")
		}
	}
	return nil
}
