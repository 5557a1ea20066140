// Package statsjump implements a Hook that fails an Announce whose reported
// transfer totals are implausible: left larger than the torrent itself, or a
// jump since the previous announce exceeding a configured multiple of the
// torrent size.
package statsjump

import (
	"context"
	"errors"
	"fmt"
	"sync"

	yaml "gopkg.in/yaml.v2"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/middleware"
)

// Name is the name by which this middleware is registered.
const Name = "stats jump"

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

// ErrImplausibleStats is the error returned when reported totals cannot be
// reconciled with the torrent.
var ErrImplausibleStats = bittorrent.ClientError("reported stats are implausible")

// Config represents all the values required by this middleware to validate
// reported transfer stats.
type Config struct {
	MaxJumpMultiplier float64 `yaml:"max_jump_multiplier"`
}

type pairKey struct {
	userID   uint32
	infoHash bittorrent.InfoHash
	peerID   bittorrent.PeerID
}

type totals struct {
	uploaded   uint64
	downloaded uint64
}

type hook struct {
	maxJumpMultiplier float64

	sync.Mutex
	prev map[pairKey]totals
}

// NewHook returns an instance of the stats jump middleware.
func NewHook(cfg Config) (middleware.Hook, error) {
	if cfg.MaxJumpMultiplier <= 0 {
		return nil, errors.New("max_jump_multiplier must be positive")
	}

	return &hook{
		maxJumpMultiplier: cfg.MaxJumpMultiplier,
		prev:              make(map[pairKey]totals),
	}, nil
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	user, ok := middleware.UserFromContext(ctx)
	if !ok {
		return ctx, errors.New("stats jump middleware requires an authenticated user")
	}
	torrent, ok := middleware.TorrentFromContext(ctx)
	if !ok {
		return ctx, errors.New("stats jump middleware requires a resolved torrent")
	}

	if torrent.Size > 0 && req.Left > torrent.Size {
		return ctx, ErrImplausibleStats
	}

	key := pairKey{userID: user.ID, infoHash: req.InfoHash, peerID: req.Peer.ID}

	h.Lock()
	defer h.Unlock()

	if last, known := h.prev[key]; known && torrent.Size > 0 {
		maxJump := uint64(h.maxJumpMultiplier * float64(torrent.Size))
		if jumped(req.Uploaded, last.uploaded, maxJump) || jumped(req.Downloaded, last.downloaded, maxJump) {
			return ctx, ErrImplausibleStats
		}
	}

	if req.Event == bittorrent.Stopped {
		delete(h.prev, key)
	} else {
		h.prev[key] = totals{uploaded: req.Uploaded, downloaded: req.Downloaded}
	}

	return ctx, nil
}

func jumped(cur, prev, max uint64) bool {
	return cur > prev && cur-prev > max
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}
