package middleware

import (
	"context"
	"time"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/frontend"
	"github.com/moray/moray/ledger"
	"github.com/moray/moray/pkg/log"
	"github.com/moray/moray/pkg/stop"
	"github.com/moray/moray/pkg/timecache"
	"github.com/moray/moray/storage"
	"github.com/moray/moray/tracker"
)

// Config holds the configuration common across all middleware.
type Config struct {
	AnnounceInterval    time.Duration `yaml:"announce_interval"`
	MinAnnounceInterval time.Duration `yaml:"min_announce_interval"`
	MinRatio            float64       `yaml:"min_ratio"`
	MaxHitAndRuns       int           `yaml:"max_hit_and_runs"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"announceInterval":    cfg.AnnounceInterval,
		"minAnnounceInterval": cfg.MinAnnounceInterval,
		"minRatio":            cfg.MinRatio,
		"maxHitAndRuns":       cfg.MaxHitAndRuns,
	}
}

var _ frontend.TrackerLogic = &Logic{}

// NewLogic creates a new instance of a TrackerLogic that executes the
// provided hooks in order between precondition checks and swarm interaction.
func NewLogic(cfg Config, peerStore storage.PeerStore, users tracker.UserSource, torrents tracker.TorrentSource, ldgr ledger.Ledger, preHooks, postHooks []Hook) *Logic {
	return &Logic{
		announceInterval:    cfg.AnnounceInterval,
		minAnnounceInterval: cfg.MinAnnounceInterval,
		minRatio:            cfg.MinRatio,
		maxHitAndRuns:       cfg.MaxHitAndRuns,
		peerStore:           peerStore,
		users:               users,
		torrents:            torrents,
		ledger:              ldgr,
		preHooks:            preHooks,
		postHooks:           postHooks,
	}
}

// Logic is an implementation of the TrackerLogic that functions by
// executing a series of middleware hooks.
type Logic struct {
	announceInterval    time.Duration
	minAnnounceInterval time.Duration
	minRatio            float64
	maxHitAndRuns       int
	peerStore           storage.PeerStore
	users               tracker.UserSource
	torrents            tracker.TorrentSource
	ledger              ledger.Ledger
	preHooks            []Hook
	postHooks           []Hook
}

// HandleAnnounce generates a response for an Announce.
//
// The order of operations is fixed: hard preconditions (user, torrent,
// ratio) run first and never mutate state; the hook chain runs next,
// short-circuiting on the first rejection; only then is the swarm and the
// ledger updated. Hit-and-run enforcement runs after the mutation and is
// never rolled back.
func (l *Logic) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (_ context.Context, resp *bittorrent.AnnounceResponse, err error) {
	resp = &bittorrent.AnnounceResponse{
		Interval:    l.announceInterval,
		MinInterval: l.minAnnounceInterval,
		Compact:     req.Compact,
		NoPeerID:    req.NoPeerID,
	}

	user, err := l.users.UserByPasskey(ctx, req.Passkey)
	if err == tracker.ErrNotFound || (err == nil && !user.CanAnnounce()) {
		return ctx, nil, bittorrent.ErrUserNotFound
	} else if err != nil {
		return ctx, nil, err
	}

	torrent, err := l.torrents.TorrentByInfoHash(ctx, req.InfoHash)
	if err == tracker.ErrNotFound || (err == nil && !torrent.Approved) {
		return ctx, nil, bittorrent.ErrTorrentNotFound
	} else if err != nil {
		return ctx, nil, err
	}

	if !user.VIP && l.ledger.BelowMinRatio(user.ID, l.minRatio) {
		return ctx, nil, bittorrent.ErrLowRatio
	}

	ctx = WithTorrent(WithUser(ctx, user), torrent)
	for _, h := range l.preHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			return ctx, nil, err
		}
	}

	prev, hadPrev := l.peerStore.LastAnnounce(req.InfoHash, req.Peer.ID)
	if err = l.peerStore.UpsertAnnounce(req.InfoHash, req.Peer, req.Uploaded, req.Downloaded, req.Left, req.Event); err != nil {
		return ctx, nil, err
	}

	upDelta, downDelta := transferDeltas(prev, hadPrev, req)
	if torrent.Freeleech {
		downDelta = 0
	}
	if err = l.ledger.ApplyTransfer(user.ID, upDelta, downDelta); err != nil {
		return ctx, nil, err
	}

	if hadPrev && prev.Seeding() && req.Left == 0 {
		if err = l.ledger.AwardSeedingBonus(user.ID, timecache.Now().Sub(prev.LastAnnounce)); err != nil {
			return ctx, nil, err
		}
	}

	if _, err = l.ledger.UpdateHitAndRun(user.ID, torrent.ID, req.Left, req.Event); err != nil {
		return ctx, nil, err
	}

	if !user.VIP && l.maxHitAndRuns > 0 && l.ledger.HitAndRunCount(user.ID) > l.maxHitAndRuns {
		return ctx, nil, bittorrent.ErrHitAndRun
	}

	resp.Complete, resp.Incomplete = l.peerStore.SwarmCounts(req.InfoHash)

	if req.Event != bittorrent.Stopped {
		var peers []bittorrent.Peer
		peers, err = l.peerStore.ActivePeers(req.InfoHash, req.Peer.ID, req.Left == 0, int(req.NumWant))
		if err != nil {
			return ctx, nil, err
		}
		if len(peers) == 0 {
			// Lone peers get themselves back so clients see a live
			// swarm.
			peers = append(peers, req.Peer)
		}
		for _, p := range peers {
			switch p.IP.AddressFamily {
			case bittorrent.IPv4:
				resp.IPv4Peers = append(resp.IPv4Peers, p)
			case bittorrent.IPv6:
				resp.IPv6Peers = append(resp.IPv6Peers, p)
			}
		}
	}

	return ctx, resp, nil
}

// transferDeltas derives per-announce transfer deltas from the client's
// session totals. A total that shrank means the client restarted its
// session; the delta is treated as zero rather than negative.
func transferDeltas(prev storage.PeerSnapshot, hadPrev bool, req *bittorrent.AnnounceRequest) (up, down uint64) {
	if !hadPrev {
		return req.Uploaded, req.Downloaded
	}
	if req.Uploaded > prev.Uploaded {
		up = req.Uploaded - prev.Uploaded
	}
	if req.Downloaded > prev.Downloaded {
		down = req.Downloaded - prev.Downloaded
	}
	return up, down
}

// AfterAnnounce does something with the results of an Announce after it has
// been completed.
func (l *Logic) AfterAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) {
	var err error
	for _, h := range l.postHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			log.Error("post-announce hooks failed", log.Err(err))
			return
		}
	}
	log.Debug("announce processed", log.Fields{"request": req, "response": resp})
}

// HandleScrape generates a response for a Scrape.
//
// Unknown and unapproved infohashes are omitted from the response entirely.
func (l *Logic) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (_ context.Context, resp *bittorrent.ScrapeResponse, err error) {
	resp = &bittorrent.ScrapeResponse{
		Files: make([]bittorrent.Scrape, 0, len(req.InfoHashes)),
	}

	for _, h := range l.preHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			return ctx, nil, err
		}
	}

	for _, ih := range req.InfoHashes {
		torrent, err := l.torrents.TorrentByInfoHash(ctx, ih)
		if err == tracker.ErrNotFound || (err == nil && !torrent.Approved) {
			continue
		} else if err != nil {
			return ctx, nil, err
		}

		resp.Files = append(resp.Files, storage.ScrapeSwarm(l.peerStore, ih))
	}

	return ctx, resp, nil
}

// AfterScrape does something with the results of a Scrape after it has been
// completed.
func (l *Logic) AfterScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) {
	var err error
	for _, h := range l.postHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			log.Error("post-scrape hooks failed", log.Err(err))
			return
		}
	}
	log.Debug("scrape processed", log.Fields{"request": req, "response": resp})
}

// Stop shuts down the Logic and the stores it owns.
func (l *Logic) Stop() stop.Result {
	sg := stop.NewGroup()
	sg.Add(l.peerStore)
	sg.Add(l.ledger)
	return sg.Stop()
}
