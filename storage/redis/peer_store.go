// Package redis implements a PeerStore backed by redis, suitable for sharing
// swarm state between multiple tracker processes. Garbage collection is
// guarded by a redsync distributed lock so that only one process sweeps at a
// time.
package redis

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredigo "github.com/go-redsync/redsync/v4/redis/redigo"
	redigo "github.com/gomodule/redigo/redis"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/pkg/log"
	"github.com/moray/moray/pkg/stop"
	"github.com/moray/moray/pkg/timecache"
	"github.com/moray/moray/storage"
)

// Name is the name by which this peer store is registered.
const Name = "redis"

func init() {
	storage.RegisterDriver(Name, driver{})
}

type driver struct{}

func (d driver) NewPeerStore(icfg interface{}) (storage.PeerStore, error) {
	cfg, ok := icfg.(Config)
	if !ok {
		return nil, errors.New("redis: invalid config type")
	}
	return New(cfg)
}

// Config holds the configuration of a redis PeerStore.
type Config struct {
	Addr                      string        `yaml:"addr"`
	Password                  string        `yaml:"password"`
	DB                        int           `yaml:"db"`
	KeyPrefix                 string        `yaml:"key_prefix"`
	MaxIdle                   int           `yaml:"max_idle"`
	ConnectTimeout            time.Duration `yaml:"connect_timeout"`
	ReadTimeout               time.Duration `yaml:"read_timeout"`
	WriteTimeout              time.Duration `yaml:"write_timeout"`
	GarbageCollectionInterval time.Duration `yaml:"gc_interval"`
	PeerLifetime              time.Duration `yaml:"peer_lifetime"`
}

// ErrInvalidGCInterval is returned for a GarbageCollectionInterval that is
// less than or equal to zero.
var ErrInvalidGCInterval = errors.New("invalid garbage collection interval")

type peerStore struct {
	cfg     Config
	pool    *redigo.Pool
	gcLock  *redsync.Mutex
	closing chan struct{}
	wg      sync.WaitGroup
}

var _ storage.PeerStore = &peerStore{}

// New creates a new PeerStore backed by redis.
func New(cfg Config) (storage.PeerStore, error) {
	if cfg.GarbageCollectionInterval <= 0 {
		return nil, ErrInvalidGCInterval
	}

	pool := &redigo.Pool{
		MaxIdle:     cfg.MaxIdle,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redigo.Conn, error) {
			opts := []redigo.DialOption{
				redigo.DialDatabase(cfg.DB),
				redigo.DialConnectTimeout(cfg.ConnectTimeout),
				redigo.DialReadTimeout(cfg.ReadTimeout),
				redigo.DialWriteTimeout(cfg.WriteTimeout),
			}
			if cfg.Password != "" {
				opts = append(opts, redigo.DialPassword(cfg.Password))
			}
			return redigo.Dial("tcp", cfg.Addr, opts...)
		},
		TestOnBorrow: func(c redigo.Conn, t time.Time) error {
			if time.Since(t) < 10*time.Second {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	conn := pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		return nil, err
	}

	rs := redsync.New(redsyncredigo.NewPool(pool))

	ps := &peerStore{
		cfg:     cfg,
		pool:    pool,
		gcLock:  rs.NewMutex(cfg.KeyPrefix + "gc_lock"),
		closing: make(chan struct{}),
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
				if err := ps.collectGarbage(before); err != nil {
					log.Error("redis: garbage collection failed", log.Err(err))
				}
			}
		}
	}()

	return ps, nil
}

func (ps *peerStore) swarmKey(ih bittorrent.InfoHash) string {
	return ps.cfg.KeyPrefix + "swarm:" + ih.String()
}

func (ps *peerStore) snatchKey(ih bittorrent.InfoHash) string {
	return ps.cfg.KeyPrefix + "snatches:" + ih.String()
}

func (ps *peerStore) infohashesKey() string {
	return ps.cfg.KeyPrefix + "infohashes"
}

// serializeRecord packs a peer record into
// af | ip | port | uploaded | downloaded | left | mtime.
func serializeRecord(p bittorrent.Peer, uploaded, downloaded, left uint64, mtime int64) []byte {
	b := make([]byte, 0, 1+16+2+8*4)
	b = append(b, byte(p.IP.AddressFamily))
	b = append(b, p.IP.IP...)

	var scratch [8]byte
	binary.BigEndian.PutUint16(scratch[:2], p.Port)
	b = append(b, scratch[:2]...)
	binary.BigEndian.PutUint64(scratch[:], uploaded)
	b = append(b, scratch[:]...)
	binary.BigEndian.PutUint64(scratch[:], downloaded)
	b = append(b, scratch[:]...)
	binary.BigEndian.PutUint64(scratch[:], left)
	b = append(b, scratch[:]...)
	binary.BigEndian.PutUint64(scratch[:], uint64(mtime))
	b = append(b, scratch[:]...)

	return b
}

func deserializeRecord(id bittorrent.PeerID, b []byte) (storage.PeerSnapshot, error) {
	if len(b) < 1 {
		return storage.PeerSnapshot{}, errors.New("redis: empty peer record")
	}

	af := bittorrent.AddressFamily(b[0])
	ipLen := 4
	if af == bittorrent.IPv6 {
		ipLen = 16
	}
	if len(b) != 1+ipLen+2+8*4 {
		return storage.PeerSnapshot{}, errors.New("redis: malformed peer record")
	}

	ip := make([]byte, ipLen)
	copy(ip, b[1:1+ipLen])
	rest := b[1+ipLen:]

	return storage.PeerSnapshot{
		Peer: bittorrent.Peer{
			ID:   id,
			IP:   bittorrent.IP{IP: ip, AddressFamily: af},
			Port: binary.BigEndian.Uint16(rest[:2]),
		},
		Uploaded:     binary.BigEndian.Uint64(rest[2:10]),
		Downloaded:   binary.BigEndian.Uint64(rest[10:18]),
		Left:         binary.BigEndian.Uint64(rest[18:26]),
		LastAnnounce: time.Unix(0, int64(binary.BigEndian.Uint64(rest[26:34]))),
	}, nil
}

func (ps *peerStore) panicIfClosed() {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped redis store")
	default:
	}
}

func (ps *peerStore) UpsertAnnounce(ih bittorrent.InfoHash, p bittorrent.Peer, uploaded, downloaded, left uint64, event bittorrent.Event) error {
	ps.panicIfClosed()

	conn := ps.pool.Get()
	defer conn.Close()

	if event == bittorrent.Stopped {
		_, err := conn.Do("HDEL", ps.swarmKey(ih), p.ID[:])
		return err
	}

	conn.Send("MULTI")
	if event == bittorrent.Completed {
		conn.Send("INCR", ps.snatchKey(ih))
	}
	conn.Send("HSET", ps.swarmKey(ih), p.ID[:], serializeRecord(p, uploaded, downloaded, left, timecache.NowUnixNano()))
	conn.Send("SADD", ps.infohashesKey(), ih.String())
	_, err := conn.Do("EXEC")
	return err
}

func (ps *peerStore) LastAnnounce(ih bittorrent.InfoHash, id bittorrent.PeerID) (storage.PeerSnapshot, bool) {
	ps.panicIfClosed()

	conn := ps.pool.Get()
	defer conn.Close()

	raw, err := redigo.Bytes(conn.Do("HGET", ps.swarmKey(ih), id[:]))
	if err != nil {
		return storage.PeerSnapshot{}, false
	}

	snap, err := deserializeRecord(id, raw)
	if err != nil {
		return storage.PeerSnapshot{}, false
	}
	return snap, true
}

// swarmSnapshots fetches all non-stale records of a swarm.
func (ps *peerStore) swarmSnapshots(ih bittorrent.InfoHash) ([]storage.PeerSnapshot, error) {
	conn := ps.pool.Get()
	defer conn.Close()

	raw, err := redigo.ByteSlices(conn.Do("HGETALL", ps.swarmKey(ih)))
	if err != nil {
		if err == redigo.ErrNil {
			return nil, nil
		}
		return nil, err
	}

	cutoff := timecache.Now().Add(-ps.cfg.PeerLifetime)

	var snaps []storage.PeerSnapshot
	for i := 0; i+1 < len(raw); i += 2 {
		if len(raw[i]) != 20 {
			continue
		}
		snap, err := deserializeRecord(bittorrent.PeerIDFromBytes(raw[i]), raw[i+1])
		if err != nil {
			continue
		}
		if snap.LastAnnounce.After(cutoff) {
			snaps = append(snaps, snap)
		}
	}

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].LastAnnounce.Equal(snaps[j].LastAnnounce) {
			return snaps[i].LastAnnounce.Before(snaps[j].LastAnnounce)
		}
		return string(snaps[i].Peer.ID[:]) < string(snaps[j].Peer.ID[:])
	})

	return snaps, nil
}

func (ps *peerStore) ActivePeers(ih bittorrent.InfoHash, exclude bittorrent.PeerID, seeding bool, limit int) ([]bittorrent.Peer, error) {
	ps.panicIfClosed()

	snaps, err := ps.swarmSnapshots(ih)
	if err != nil {
		return nil, err
	}

	var seeders, leechers []bittorrent.Peer
	for _, snap := range snaps {
		if snap.Peer.ID == exclude {
			continue
		}
		if snap.Seeding() {
			seeders = append(seeders, snap.Peer)
		} else {
			leechers = append(leechers, snap.Peer)
		}
	}

	var ordered []bittorrent.Peer
	if seeding {
		ordered = append(leechers, seeders...)
	} else {
		ordered = append(seeders, leechers...)
	}

	return storage.SelectFirst(ordered, limit), nil
}

func (ps *peerStore) SwarmCounts(ih bittorrent.InfoHash) (complete, incomplete uint32) {
	ps.panicIfClosed()

	snaps, err := ps.swarmSnapshots(ih)
	if err != nil {
		log.Error("redis: failed to read swarm", log.Err(err))
		return 0, 0
	}

	for _, snap := range snaps {
		if snap.Seeding() {
			complete++
		} else {
			incomplete++
		}
	}
	return complete, incomplete
}

func (ps *peerStore) CompletedCount(ih bittorrent.InfoHash) uint64 {
	ps.panicIfClosed()

	conn := ps.pool.Get()
	defer conn.Close()

	count, err := redigo.Uint64(conn.Do("GET", ps.snatchKey(ih)))
	if err != nil {
		return 0
	}
	return count
}

// collectGarbage removes stale records from every tracked swarm. The redsync
// lock keeps concurrent tracker processes from sweeping simultaneously.
func (ps *peerStore) collectGarbage(cutoff time.Time) error {
	if err := ps.gcLock.Lock(); err != nil {
		// Another process is sweeping.
		return nil
	}
	defer ps.gcLock.Unlock()

	conn := ps.pool.Get()
	defer conn.Close()

	infohashes, err := redigo.Strings(conn.Do("SMEMBERS", ps.infohashesKey()))
	if err != nil {
		return err
	}

	cutoffUnix := cutoff.UnixNano()
	start := time.Now()

	for _, hexHash := range infohashes {
		ih, err := bittorrent.NewInfoHash(hexHash)
		if err != nil {
			continue
		}

		raw, err := redigo.ByteSlices(conn.Do("HGETALL", ps.swarmKey(ih)))
		if err != nil {
			continue
		}

		remaining := 0
		for i := 0; i+1 < len(raw); i += 2 {
			if len(raw[i]) != 20 {
				continue
			}
			snap, err := deserializeRecord(bittorrent.PeerIDFromBytes(raw[i]), raw[i+1])
			if err != nil || snap.LastAnnounce.UnixNano() <= cutoffUnix {
				conn.Do("HDEL", ps.swarmKey(ih), raw[i])
				continue
			}
			remaining++
		}

		if remaining == 0 {
			conn.Do("SREM", ps.infohashesKey(), hexHash)
		}
	}

	log.Debug("redis: garbage collection finished", log.Fields{"elapsed": time.Since(start)})
	return nil
}

func (ps *peerStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(ps.closing)
		ps.wg.Wait()
		c.Done(ps.pool.Close())
	}()

	return c.Result()
}
