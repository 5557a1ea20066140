// Package memory implements a sharded in-memory PeerStore with periodic
// garbage collection of stale peers.
package memory

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/pkg/log"
	"github.com/moray/moray/pkg/stop"
	"github.com/moray/moray/pkg/timecache"
	"github.com/moray/moray/storage"
)

// Name is the name by which this peer store is registered.
const Name = "memory"

func init() {
	storage.RegisterDriver(Name, driver{})

	prometheus.MustRegister(promGCDurationMilliseconds)
	prometheus.MustRegister(promInfohashesCount)
}

type driver struct{}

func (d driver) NewPeerStore(icfg interface{}) (storage.PeerStore, error) {
	cfg, ok := icfg.(Config)
	if !ok {
		return nil, errors.New("memory: invalid config type")
	}
	return New(cfg)
}

var promGCDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "moray_storage_gc_duration_milliseconds",
	Help:    "The time it takes to perform storage garbage collection",
	Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
})

var promInfohashesCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "moray_storage_infohashes_count",
	Help: "The number of infohashes tracked",
})

// recordGCDuration records the duration of a GC sweep.
func recordGCDuration(duration time.Duration) {
	promGCDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}

// recordInfohashesDelta records a change in the number of Infohashes tracked.
func recordInfohashesDelta(delta float64) {
	promInfohashesCount.Add(delta)
}

// ErrInvalidGCInterval is returned for a GarbageCollectionInterval that is
// less than or equal to zero.
var ErrInvalidGCInterval = errors.New("invalid garbage collection interval")

// Config holds the configuration of a memory PeerStore.
type Config struct {
	GarbageCollectionInterval time.Duration `yaml:"gc_interval"`
	PeerLifetime              time.Duration `yaml:"peer_lifetime"`
	ShardCount                int           `yaml:"shard_count"`
}

// New creates a new PeerStore backed by memory using the default selector.
func New(cfg Config) (storage.PeerStore, error) {
	return NewWithSelector(cfg, storage.SelectFirst)
}

// NewWithSelector creates a new PeerStore backed by memory with an injected
// peer selection policy.
func NewWithSelector(cfg Config, sel storage.Selector) (storage.PeerStore, error) {
	shardCount := 1
	if cfg.ShardCount > 0 {
		shardCount = cfg.ShardCount
	}

	if cfg.GarbageCollectionInterval <= 0 {
		return nil, ErrInvalidGCInterval
	}

	ps := &peerStore{
		cfg:      cfg,
		selector: sel,
		shards:   make([]*peerShard, shardCount),
		closing:  make(chan struct{}),
	}

	for i := 0; i < shardCount; i++ {
		ps.shards[i] = &peerShard{
			swarms:   make(map[bittorrent.InfoHash]swarm),
			snatches: make(map[bittorrent.InfoHash]uint64),
		}
	}

	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		for {
			select {
			case <-ps.closing:
				return
			case <-time.After(cfg.GarbageCollectionInterval):
				before := timecache.Now().Add(-cfg.PeerLifetime)
				log.Debug("memory: purging peers with no announces since", log.Fields{"before": before})
				ps.collectGarbage(before)
			}
		}
	}()

	return ps, nil
}

type peerRecord struct {
	peer       bittorrent.Peer
	uploaded   uint64
	downloaded uint64
	left       uint64
	mtime      int64
}

type swarm struct {
	// map peer ID to its latest announce
	peers map[bittorrent.PeerID]*peerRecord
}

type peerShard struct {
	swarms map[bittorrent.InfoHash]swarm

	// snatches outlives swarm membership: a swarm emptying must not reset
	// its completed count.
	snatches map[bittorrent.InfoHash]uint64

	sync.RWMutex
}

type peerStore struct {
	cfg      Config
	selector storage.Selector
	shards   []*peerShard
	closing  chan struct{}
	wg       sync.WaitGroup
}

var _ storage.PeerStore = &peerStore{}

func (ps *peerStore) shardIndex(infoHash bittorrent.InfoHash) uint32 {
	return binary.BigEndian.Uint32(infoHash[:4]) % uint32(len(ps.shards))
}

func (ps *peerStore) panicIfClosed() {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}
}

func (ps *peerStore) UpsertAnnounce(ih bittorrent.InfoHash, p bittorrent.Peer, uploaded, downloaded, left uint64, event bittorrent.Event) error {
	ps.panicIfClosed()

	shard := ps.shards[ps.shardIndex(ih)]
	shard.Lock()
	defer shard.Unlock()

	if event == bittorrent.Stopped {
		sw, ok := shard.swarms[ih]
		if !ok {
			return nil
		}
		delete(sw.peers, p.ID)
		if len(sw.peers) == 0 {
			delete(shard.swarms, ih)
			recordInfohashesDelta(-1)
		}
		return nil
	}

	sw, ok := shard.swarms[ih]
	if !ok {
		sw = swarm{peers: make(map[bittorrent.PeerID]*peerRecord)}
		shard.swarms[ih] = sw
		recordInfohashesDelta(1)
	}

	if event == bittorrent.Completed {
		shard.snatches[ih]++
	}

	sw.peers[p.ID] = &peerRecord{
		peer:       p,
		uploaded:   uploaded,
		downloaded: downloaded,
		left:       left,
		mtime:      timecache.NowUnixNano(),
	}

	return nil
}

func (ps *peerStore) LastAnnounce(ih bittorrent.InfoHash, id bittorrent.PeerID) (storage.PeerSnapshot, bool) {
	ps.panicIfClosed()

	shard := ps.shards[ps.shardIndex(ih)]
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return storage.PeerSnapshot{}, false
	}
	rec, ok := sw.peers[id]
	if !ok {
		return storage.PeerSnapshot{}, false
	}

	return storage.PeerSnapshot{
		Peer:         rec.peer,
		Uploaded:     rec.uploaded,
		Downloaded:   rec.downloaded,
		Left:         rec.left,
		LastAnnounce: time.Unix(0, rec.mtime),
	}, true
}

// activeCutoff is the oldest announce time still considered active. The read
// path filters on it so that peers past their lifetime disappear from
// responses even before the next GC sweep.
func (ps *peerStore) activeCutoff() int64 {
	return timecache.Now().Add(-ps.cfg.PeerLifetime).UnixNano()
}

func (ps *peerStore) ActivePeers(ih bittorrent.InfoHash, exclude bittorrent.PeerID, seeding bool, limit int) ([]bittorrent.Peer, error) {
	ps.panicIfClosed()

	cutoff := ps.activeCutoff()
	shard := ps.shards[ps.shardIndex(ih)]
	shard.RLock()

	sw, ok := shard.swarms[ih]
	if !ok {
		shard.RUnlock()
		return nil, nil
	}

	var seeders, leechers []*peerRecord
	for id, rec := range sw.peers {
		if id == exclude || rec.mtime <= cutoff {
			continue
		}
		if rec.left == 0 {
			seeders = append(seeders, rec)
		} else {
			leechers = append(leechers, rec)
		}
	}
	shard.RUnlock()

	// Seeders want leechers and vice versa; order within each class is by
	// announce time then peer ID so that selection is deterministic.
	sortRecords(seeders)
	sortRecords(leechers)

	var ordered []*peerRecord
	if seeding {
		ordered = append(leechers, seeders...)
	} else {
		ordered = append(seeders, leechers...)
	}

	peers := make([]bittorrent.Peer, 0, len(ordered))
	for _, rec := range ordered {
		peers = append(peers, rec.peer)
	}

	return ps.selector(peers, limit), nil
}

func sortRecords(recs []*peerRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].mtime != recs[j].mtime {
			return recs[i].mtime < recs[j].mtime
		}
		return string(recs[i].peer.ID[:]) < string(recs[j].peer.ID[:])
	})
}

func (ps *peerStore) SwarmCounts(ih bittorrent.InfoHash) (complete, incomplete uint32) {
	ps.panicIfClosed()

	cutoff := ps.activeCutoff()
	shard := ps.shards[ps.shardIndex(ih)]
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return 0, 0
	}

	for _, rec := range sw.peers {
		if rec.mtime <= cutoff {
			continue
		}
		if rec.left == 0 {
			complete++
		} else {
			incomplete++
		}
	}

	return complete, incomplete
}

func (ps *peerStore) CompletedCount(ih bittorrent.InfoHash) uint64 {
	ps.panicIfClosed()

	shard := ps.shards[ps.shardIndex(ih)]
	shard.RLock()
	defer shard.RUnlock()

	return shard.snatches[ih]
}

// collectGarbage deletes all Peers from the PeerStore which are older than
// the cutoff time.
//
// This function must be able to execute while other methods on this
// interface are being executed in parallel.
func (ps *peerStore) collectGarbage(cutoff time.Time) {
	ps.panicIfClosed()

	var ihDelta float64
	cutoffUnix := cutoff.UnixNano()
	start := time.Now()

	for _, shard := range ps.shards {
		shard.RLock()
		var infohashes []bittorrent.InfoHash
		for ih := range shard.swarms {
			infohashes = append(infohashes, ih)
		}
		shard.RUnlock()

		for _, ih := range infohashes {
			shard.Lock()

			sw, stillExists := shard.swarms[ih]
			if !stillExists {
				shard.Unlock()
				continue
			}

			for id, rec := range sw.peers {
				if rec.mtime <= cutoffUnix {
					delete(sw.peers, id)
				}
			}

			if len(sw.peers) == 0 {
				delete(shard.swarms, ih)
				ihDelta--
			}

			shard.Unlock()
		}
	}

	recordGCDuration(time.Since(start))
	recordInfohashesDelta(ihDelta)
}

func (ps *peerStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(ps.closing)
		ps.wg.Wait()

		// Explicitly deallocate our storage.
		shards := make([]*peerShard, len(ps.shards))
		for i := 0; i < len(ps.shards); i++ {
			shards[i] = &peerShard{
				swarms:   make(map[bittorrent.InfoHash]swarm),
				snatches: make(map[bittorrent.InfoHash]uint64),
			}
		}
		ps.shards = shards

		c.Done()
	}()

	return c.Result()
}
