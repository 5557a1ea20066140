// Package ghostleech implements a Hook that fails an Announce from users
// leeching a disproportionate number of torrents while showing no seeding
// activity anywhere. Ghost leechers keep downloads alive on many swarms but
// never hold a completed torrent open.
package ghostleech

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
const Name = "ghost leech"

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

// ErrGhostLeeching is the error returned when a user trips the ghost leech
// limit.
var ErrGhostLeeching = bittorrent.ClientError("ghost leeching detected")

// Config represents all the values required by this middleware to detect
// ghost leechers.
type Config struct {
	MaxLeechingTorrents int `yaml:"max_leeching_torrents"`
}

type activity struct {
	leeching map[bittorrent.InfoHash]struct{}
	seeding  map[bittorrent.InfoHash]struct{}
}

type hook struct {
	maxLeeching int

	sync.Mutex
	users map[uint32]*activity
}

// NewHook returns an instance of the ghost leech middleware.
func NewHook(cfg Config) (middleware.Hook, error) {
	if cfg.MaxLeechingTorrents <= 0 {
		return nil, errors.New("max_leeching_torrents must be positive")
	}

	return &hook{
		maxLeeching: cfg.MaxLeechingTorrents,
		users:       make(map[uint32]*activity),
	}, nil
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	user, ok := middleware.UserFromContext(ctx)
	if !ok {
		return ctx, errors.New("ghost leech middleware requires an authenticated user")
	}

	h.Lock()
	defer h.Unlock()

	act := h.users[user.ID]
	if act == nil {
		act = &activity{
			leeching: make(map[bittorrent.InfoHash]struct{}),
			seeding:  make(map[bittorrent.InfoHash]struct{}),
		}
		h.users[user.ID] = act
	}

	switch {
	case req.Event == bittorrent.Stopped:
		delete(act.leeching, req.InfoHash)
		delete(act.seeding, req.InfoHash)
	case req.Left == 0:
		delete(act.leeching, req.InfoHash)
		act.seeding[req.InfoHash] = struct{}{}
	default:
		act.leeching[req.InfoHash] = struct{}{}
	}

	if len(act.seeding) == 0 && len(act.leeching) > h.maxLeeching {
		return ctx, ErrGhostLeeching
	}

	return ctx, nil
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}
