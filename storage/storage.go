// Package storage abstracts swarm membership: which peers participate in
// which torrents, their reported transfer counters, and the aggregate
// seeder/leecher/snatch statistics answering announces and scrapes.
package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/pkg/stop"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// Driver is the interface used to initialize a new type of PeerStore.
type Driver interface {
	NewPeerStore(cfg interface{}) (PeerStore, error)
}

// ErrDriverDoesNotExist is the error returned by NewPeerStore when a peer
// store driver with that name does not exist.
var ErrDriverDoesNotExist = errors.New("peer store driver with that name does not exist")

// PeerSnapshot is the stored state of one peer in one swarm, as of its last
// announce.
type PeerSnapshot struct {
	Peer         bittorrent.Peer
	Uploaded     uint64
	Downloaded   uint64
	Left         uint64
	LastAnnounce time.Time
}

// Seeding reports whether the snapshot describes a seeder.
func (s PeerSnapshot) Seeding() bool { return s.Left == 0 }

// Selector picks up to limit peers out of an eligible, deterministically
// ordered candidate list. Injecting a Selector makes peer list selection
// testable; the exact policy is otherwise unconstrained.
type Selector func(peers []bittorrent.Peer, limit int) []bittorrent.Peer

// SelectFirst is the default Selector: it truncates the candidate list.
func SelectFirst(peers []bittorrent.Peer, limit int) []bittorrent.Peer {
	if len(peers) > limit {
		peers = peers[:limit]
	}
	return peers
}

// PeerStore is an interface that abstracts the interactions of storing and
// manipulating Peers such that it can be implemented for various data stores.
//
// Membership is keyed per (infohash, peer ID): an announce from a known peer
// updates its record in place. Read methods never fail for unknown
// infohashes; they yield empty or zero results.
type PeerStore interface {
	// UpsertAnnounce records an announce. A Stopped event removes the
	// peer; a Completed event additionally increments the swarm's
	// monotonic snatch counter.
	UpsertAnnounce(ih bittorrent.InfoHash, p bittorrent.Peer, uploaded, downloaded, left uint64, event bittorrent.Event) error

	// LastAnnounce returns the stored snapshot for a peer prior to any
	// mutation, and whether one exists.
	LastAnnounce(ih bittorrent.InfoHash, id bittorrent.PeerID) (PeerSnapshot, bool)

	// ActivePeers returns up to limit non-stale peers of the swarm,
	// excluding the given peer ID. When seeding is true the result
	// prefers leechers, otherwise seeders.
	ActivePeers(ih bittorrent.InfoHash, exclude bittorrent.PeerID, seeding bool, limit int) ([]bittorrent.Peer, error)

	// SwarmCounts returns the number of active seeders (complete) and
	// leechers (incomplete).
	SwarmCounts(ih bittorrent.InfoHash) (complete, incomplete uint32)

	// CompletedCount returns the cumulative number of Completed events
	// ever recorded for the swarm. It never decreases, even as peers
	// leave.
	CompletedCount(ih bittorrent.InfoHash) uint64

	stop.Stopper
}

// ScrapeSwarm assembles the scrape statistics of a swarm from a PeerStore.
func ScrapeSwarm(ps PeerStore, ih bittorrent.InfoHash) bittorrent.Scrape {
	complete, incomplete := ps.SwarmCounts(ih)
	return bittorrent.Scrape{
		InfoHash:   ih,
		Complete:   complete,
		Incomplete: incomplete,
		Snatches:   ps.CompletedCount(ih),
	}
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("storage: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("storage: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("storage: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// NewPeerStore attempts to initialize a new PeerStore given a name from the
// list of registered Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func NewPeerStore(name string, cfg interface{}) (PeerStore, error) {
	driversM.RLock()
	defer driversM.RUnlock()

	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return d.NewPeerStore(cfg)
}
