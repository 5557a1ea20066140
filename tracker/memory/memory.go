// Package memory provides map-backed tracker Sources, used by tests and by
// deployments that preload the user and torrent tables at startup.
package memory

import (
	"context"
	"sync"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/tracker"
)

// UserSource is an in-memory tracker.UserSource.
type UserSource struct {
	m     sync.RWMutex
	users map[string]tracker.User
}

var _ tracker.UserSource = &UserSource{}

// NewUserSource allocates a UserSource holding the given users.
func NewUserSource(users []tracker.User) *UserSource {
	s := &UserSource{users: make(map[string]tracker.User, len(users))}
	for _, u := range users {
		s.users[u.Passkey] = u
	}
	return s
}

// Put adds or replaces a user.
func (s *UserSource) Put(u tracker.User) {
	s.m.Lock()
	s.users[u.Passkey] = u
	s.m.Unlock()
}

// UserByPasskey implements tracker.UserSource.
func (s *UserSource) UserByPasskey(_ context.Context, passkey string) (tracker.User, error) {
	s.m.RLock()
	defer s.m.RUnlock()

	u, ok := s.users[passkey]
	if !ok {
		return tracker.User{}, tracker.ErrNotFound
	}
	return u, nil
}

// TorrentSource is an in-memory tracker.TorrentSource.
type TorrentSource struct {
	m        sync.RWMutex
	torrents map[bittorrent.InfoHash]tracker.Torrent
}

var _ tracker.TorrentSource = &TorrentSource{}

// NewTorrentSource allocates a TorrentSource holding the given torrents.
func NewTorrentSource(torrents []tracker.Torrent) *TorrentSource {
	s := &TorrentSource{torrents: make(map[bittorrent.InfoHash]tracker.Torrent, len(torrents))}
	for _, t := range torrents {
		s.torrents[t.InfoHash] = t
	}
	return s
}

// Put adds or replaces a torrent.
func (s *TorrentSource) Put(t tracker.Torrent) {
	s.m.Lock()
	s.torrents[t.InfoHash] = t
	s.m.Unlock()
}

// TorrentByInfoHash implements tracker.TorrentSource.
func (s *TorrentSource) TorrentByInfoHash(_ context.Context, ih bittorrent.InfoHash) (tracker.Torrent, error) {
	s.m.RLock()
	defer s.m.RUnlock()

	t, ok := s.torrents[ih]
	if !ok {
		return tracker.Torrent{}, tracker.ErrNotFound
	}
	return t, nil
}
