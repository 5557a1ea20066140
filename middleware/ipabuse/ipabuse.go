// Package ipabuse implements a Hook that fails an Announce when a user has
// announced from too many distinct IP addresses within a sliding window.
// Shared accounts and proxy farms show up as a fan of unrelated addresses on
// one passkey.
package ipabuse

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
const Name = "ip abuse"

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

// ErrTooManyIPs is the error returned when a user exceeds the distinct IP
// limit.
var ErrTooManyIPs = bittorrent.ClientError("too many IP addresses in use")

// Config represents all the values required by this middleware to detect IP
// abuse.
type Config struct {
	MaxDistinctIPs int           `yaml:"max_distinct_ips"`
	Window         time.Duration `yaml:"window"`
}

type hook struct {
	cfg Config

	sync.Mutex
	seen map[uint32]map[string]time.Time
}

// NewHook returns an instance of the IP abuse middleware.
func NewHook(cfg Config) (middleware.Hook, error) {
	if cfg.MaxDistinctIPs <= 0 {
		return nil, errors.New("max_distinct_ips must be positive")
	}
	if cfg.Window <= 0 {
		return nil, errors.New("window must be positive")
	}

	return &hook{
		cfg:  cfg,
		seen: make(map[uint32]map[string]time.Time),
	}, nil
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	user, ok := middleware.UserFromContext(ctx)
	if !ok {
		return ctx, errors.New("ip abuse middleware requires an authenticated user")
	}

	now := timecache.Now()
	cutoff := now.Add(-h.cfg.Window)

	h.Lock()
	defer h.Unlock()

	ips := h.seen[user.ID]
	if ips == nil {
		ips = make(map[string]time.Time)
		h.seen[user.ID] = ips
	}

	for ip, last := range ips {
		if last.Before(cutoff) {
			delete(ips, ip)
		}
	}

	ip := req.Peer.IP.IP.String()
	if _, known := ips[ip]; !known && len(ips) >= h.cfg.MaxDistinctIPs {
		return ctx, ErrTooManyIPs
	}
	ips[ip] = now

	return ctx, nil
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}
