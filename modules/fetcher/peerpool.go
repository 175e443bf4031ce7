package fetcher

import (
	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/slicenetlabs/slicenetd/modules"
)

// peerTier identifies the source tier of a peer candidate.
type peerTier int

const (
	// tierRegular is the primary peer tier, fetched once at job start.
	tierRegular peerTier = iota

	// tierFallback is the cost sensitive server tier, fetched once on
	// first escalation and never before.
	tierFallback
)

// String implements the Stringer interface.
func (t peerTier) String() string {
	if t == tierFallback {
		return "fallback"
	}
	return "regular"
}

type (
	// peerCandidate is a node offered by the pool for one chunk attempt.
	peerCandidate struct {
		staticNode modules.NodeID
		staticTier peerTier
	}

	// peerPool wraps the regular and fallback node lists of one download
	// job. Candidates are offered round-robin across chunks so that no
	// single node is monopolized while others sit idle. The pool is only
	// ever accessed by the goroutine orchestrating the download, so it
	// holds no locks.
	peerPool struct {
		staticTransport modules.Transport
		staticSlice     modules.Slice

		tiers           [2][]modules.NodeID
		cursors         [2]int
		fallbackFetched bool
	}
)

// newPeerPool initializes a pool and fetches the regular tier node list.
func newPeerPool(transport modules.Transport, slice modules.Slice) (*peerPool, error) {
	regular, err := transport.NodeList(slice)
	if err != nil {
		return nil, errors.AddContext(err, "unable to fetch regular node list")
	}
	pp := &peerPool{
		staticTransport: transport,
		staticSlice:     slice,
	}
	pp.tiers[tierRegular] = regular
	return pp, nil
}

// fetchFallback populates the fallback tier. The list is fetched once and
// cached for the remainder of the job; repeated calls are no-ops.
func (pp *peerPool) fetchFallback() error {
	if pp.fallbackFetched {
		return nil
	}
	fallback, err := pp.staticTransport.FallbackNodeList(pp.staticSlice)
	if err != nil {
		return errors.AddContext(err, "unable to fetch fallback node list")
	}
	pp.tiers[tierFallback] = fallback
	pp.fallbackFetched = true
	return nil
}

// tierSize returns the number of nodes in a tier.
func (pp *peerPool) tierSize(tier peerTier) int {
	return len(pp.tiers[tier])
}

// nextCandidate returns the next node of the given tier that is not in the
// tried set. The pool's round-robin cursor advances on every hit so that
// consecutive calls for different chunks spread across the tier. The second
// return value is false when the tier holds no untried node for this chunk.
func (pp *peerPool) nextCandidate(tried map[modules.NodeID]struct{}, tier peerTier) (peerCandidate, bool) {
	nodes := pp.tiers[tier]
	for i := 0; i < len(nodes); i++ {
		node := nodes[(pp.cursors[tier]+i)%len(nodes)]
		if _, exists := tried[node]; exists {
			continue
		}
		pp.cursors[tier] = (pp.cursors[tier] + i + 1) % len(nodes)
		return peerCandidate{staticNode: node, staticTier: tier}, true
	}
	return peerCandidate{}, false
}
