package middleware

import (
	"context"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/tracker"
)

// Hook abstracts the concept of anything that needs to interact with a
// BitTorrent client's request and response to a tracker. Hooks that wish to
// reject the request return a bittorrent.ClientError; any other error is
// treated as an internal failure.
type Hook interface {
	HandleAnnounce(context.Context, *bittorrent.AnnounceRequest, *bittorrent.AnnounceResponse) (context.Context, error)
	HandleScrape(context.Context, *bittorrent.ScrapeRequest, *bittorrent.ScrapeResponse) (context.Context, error)
}

type userKey struct{}
type torrentKey struct{}

// WithUser returns a context with the authenticated user attached.
//
// The Logic attaches the resolved user before any hooks run, so hooks can
// assume it is always present during an announce.
func WithUser(ctx context.Context, u tracker.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext returns the authenticated user attached to the context.
func UserFromContext(ctx context.Context) (tracker.User, bool) {
	u, ok := ctx.Value(userKey{}).(tracker.User)
	return u, ok
}

// WithTorrent returns a context with the resolved torrent attached.
func WithTorrent(ctx context.Context, t tracker.Torrent) context.Context {
	return context.WithValue(ctx, torrentKey{}, t)
}

// TorrentFromContext returns the resolved torrent attached to the context.
func TorrentFromContext(ctx context.Context) (tracker.Torrent, bool) {
	t, ok := ctx.Value(torrentKey{}).(tracker.Torrent)
	return t, ok
}
