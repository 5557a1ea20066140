package ghostleech

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/middleware"
	"github.com/moray/moray/tracker"
)

func userCtx(id uint32) context.Context {
	return middleware.WithUser(context.Background(), tracker.User{ID: id, Active: true})
}

func announce(ihByte byte, left uint64) *bittorrent.AnnounceRequest {
	var raw [20]byte
	for i := range raw {
		raw[i] = ihByte
	}
	req := &bittorrent.AnnounceRequest{InfoHash: bittorrent.InfoHash(raw), Left: left}
	req.Peer.ID = bittorrent.PeerIDFromString("ghostleech0000000001")
	return req
}

func TestLeechLimitWithoutSeeding(t *testing.T) {
	h, err := NewHook(Config{MaxLeechingTorrents: 2})
	require.Nil(t, err)

	ctx := userCtx(1)
	_, err = h.HandleAnnounce(ctx, announce(0x01, 1000), &bittorrent.AnnounceResponse{})
	require.Nil(t, err)
	_, err = h.HandleAnnounce(ctx, announce(0x02, 1000), &bittorrent.AnnounceResponse{})
	require.Nil(t, err)

	_, err = h.HandleAnnounce(ctx, announce(0x03, 1000), &bittorrent.AnnounceResponse{})
	require.Equal(t, ErrGhostLeeching, err)
}

func TestSeedingAnywhereLiftsTheLimit(t *testing.T) {
	h, err := NewHook(Config{MaxLeechingTorrents: 2})
	require.Nil(t, err)

	ctx := userCtx(1)
	_, err = h.HandleAnnounce(ctx, announce(0xf0, 0), &bittorrent.AnnounceResponse{})
	require.Nil(t, err)

	for ih := byte(0x01); ih <= 0x05; ih++ {
		_, err = h.HandleAnnounce(ctx, announce(ih, 1000), &bittorrent.AnnounceResponse{})
		require.Nil(t, err)
	}
}

func TestStoppedShedsLeechingTorrents(t *testing.T) {
	h, err := NewHook(Config{MaxLeechingTorrents: 2})
	require.Nil(t, err)

	ctx := userCtx(1)
	_, err = h.HandleAnnounce(ctx, announce(0x01, 1000), &bittorrent.AnnounceResponse{})
	require.Nil(t, err)
	_, err = h.HandleAnnounce(ctx, announce(0x02, 1000), &bittorrent.AnnounceResponse{})
	require.Nil(t, err)

	stop := announce(0x01, 1000)
	stop.Event = bittorrent.Stopped
	_, err = h.HandleAnnounce(ctx, stop, &bittorrent.AnnounceResponse{})
	require.Nil(t, err)

	// Back under the limit, a third torrent is fine again.
	_, err = h.HandleAnnounce(ctx, announce(0x03, 1000), &bittorrent.AnnounceResponse{})
	require.Nil(t, err)
}

func TestCompletionMovesTorrentToSeeding(t *testing.T) {
	h, err := NewHook(Config{MaxLeechingTorrents: 1})
	require.Nil(t, err)

	ctx := userCtx(1)
	_, err = h.HandleAnnounce(ctx, announce(0x01, 1000), &bittorrent.AnnounceResponse{})
	require.Nil(t, err)

	done := announce(0x01, 0)
	done.Event = bittorrent.Completed
	_, err = h.HandleAnnounce(ctx, done, &bittorrent.AnnounceResponse{})
	require.Nil(t, err)

	// The finished torrent no longer counts as leeching, and the seeding
	// activity lifts the limit entirely.
	_, err = h.HandleAnnounce(ctx, announce(0x02, 1000), &bittorrent.AnnounceResponse{})
	require.Nil(t, err)
}

func TestUsersAreIndependent(t *testing.T) {
	h, err := NewHook(Config{MaxLeechingTorrents: 1})
	require.Nil(t, err)

	_, err = h.HandleAnnounce(userCtx(1), announce(0x01, 1000), &bittorrent.AnnounceResponse{})
	require.Nil(t, err)
	_, err = h.HandleAnnounce(userCtx(2), announce(0x02, 1000), &bittorrent.AnnounceResponse{})
	require.Nil(t, err)
}
