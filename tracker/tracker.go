// Package tracker defines the external entities the tracker core consumes:
// users identified by passkey and torrents identified by infohash. Both are
// owned by the surrounding web application; the core only reads them through
// the Source interfaces.
package tracker

import (
	"context"
	"errors"

	"github.com/moray/moray/bittorrent"
)

// ErrNotFound is returned by Sources when no record matches.
var ErrNotFound = errors.New("tracker: record does not exist")

// User is the subset of a site account the tracker core needs.
type User struct {
	ID      uint32 `yaml:"id"`
	Passkey string `yaml:"passkey"`
	Active  bool   `yaml:"active"`
	VIP     bool   `yaml:"vip"`
}

// CanAnnounce reports whether the user may interact with the tracker at all.
func (u User) CanAnnounce() bool { return u.Active }

// Torrent is the subset of an uploaded torrent the tracker core needs.
type Torrent struct {
	ID        uint32              `yaml:"id"`
	InfoHash  bittorrent.InfoHash `yaml:"-"`
	Approved  bool                `yaml:"approved"`
	Size      uint64              `yaml:"size"`
	Freeleech bool                `yaml:"freeleech"`
}

// UserSource resolves users by their announce passkey.
type UserSource interface {
	// UserByPasskey returns the user owning the passkey, or ErrNotFound.
	UserByPasskey(ctx context.Context, passkey string) (User, error)
}

// TorrentSource resolves torrents by canonical infohash.
//
// InfoHash is already canonical (lowercase hex textual form), so
// implementations backed by stores with inconsistently cased hex columns must
// compare case-insensitively.
type TorrentSource interface {
	// TorrentByInfoHash returns the torrent with the given infohash, or
	// ErrNotFound.
	TorrentByInfoHash(ctx context.Context, ih bittorrent.InfoHash) (Torrent, error)
}
