// Package ratelimit implements a Hook that fails an Announce arriving faster
// than allowed. Two limits apply: a per-(user, torrent, peer) gap below which
// repeat announces are physically implausible, and a per-user global
// cooldown across all torrents.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/middleware"
	"github.com/moray/moray/pkg/timecache"
)

// Name is the name by which this middleware is registered.
const Name = "rate limit"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewHook(optionBytes []byte) (middleware.Hook, error) {
	var cfg Config
	err := yaml.Unmarshal(optionBytes, &cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid options for middleware %s: %s", Name, err)
	}

	return NewHook(cfg)
}

// ErrAnnounceAnomaly is the error returned when the same peer re-announces
// to the same swarm implausibly fast.
var ErrAnnounceAnomaly = bittorrent.ClientError("announced too frequently")

// ErrUserCooldown is the error returned when a user announces globally more
// often than the minimum interval allows.
var ErrUserCooldown = bittorrent.ClientError("announce cooldown in effect")

// Config represents all the values required by this middleware to rate limit
// announces.
type Config struct {
	MinSwarmGap time.Duration `yaml:"min_swarm_gap"`
	MinUserGap  time.Duration `yaml:"min_user_gap"`
}

type swarmKey struct {
	userID   uint32
	infoHash bittorrent.InfoHash
	peerID   bittorrent.PeerID
}

type hook struct {
	cfg Config

	sync.Mutex
	perSwarm map[swarmKey]time.Time
	perUser  map[uint32]time.Time
	inserts  int
}

// sweepEvery bounds how much stale state can pile up between sweeps.
const sweepEvery = 4096

// NewHook returns an instance of the rate limit middleware.
func NewHook(cfg Config) (middleware.Hook, error) {
	if cfg.MinSwarmGap <= 0 && cfg.MinUserGap <= 0 {
		return nil, errors.New("at least one of min_swarm_gap and min_user_gap must be positive")
	}

	return &hook{
		cfg:      cfg,
		perSwarm: make(map[swarmKey]time.Time),
		perUser:  make(map[uint32]time.Time),
	}, nil
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	user, ok := middleware.UserFromContext(ctx)
	if !ok {
		return ctx, errors.New("rate limit middleware requires an authenticated user")
	}

	// Stopped announces are never limited; holding a departing peer in the
	// swarm is worse than the extra request.
	if req.Event == bittorrent.Stopped {
		return ctx, nil
	}

	now := timecache.Now()

	h.Lock()
	defer h.Unlock()

	h.inserts++
	if h.inserts%sweepEvery == 0 {
		h.sweep(now)
	}

	if h.cfg.MinSwarmGap > 0 {
		key := swarmKey{userID: user.ID, infoHash: req.InfoHash, peerID: req.Peer.ID}
		if last, ok := h.perSwarm[key]; ok && now.Sub(last) < h.cfg.MinSwarmGap {
			return ctx, ErrAnnounceAnomaly
		}
		h.perSwarm[key] = now
	}

	if h.cfg.MinUserGap > 0 {
		if last, ok := h.perUser[user.ID]; ok && now.Sub(last) < h.cfg.MinUserGap {
			return ctx, ErrUserCooldown
		}
		h.perUser[user.ID] = now
	}

	return ctx, nil
}

// sweep drops entries old enough that they can no longer trigger either
// limit. Callers must hold the lock.
func (h *hook) sweep(now time.Time) {
	horizon := h.cfg.MinSwarmGap
	if h.cfg.MinUserGap > horizon {
		horizon = h.cfg.MinUserGap
	}
	cutoff := now.Add(-horizon)

	for key, last := range h.perSwarm {
		if last.Before(cutoff) {
			delete(h.perSwarm, key)
		}
	}
	for id, last := range h.perUser {
		if last.Before(cutoff) {
			delete(h.perUser, id)
		}
	}
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}
