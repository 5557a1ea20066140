package peerban

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/middleware"
	"github.com/moray/moray/tracker"
)

var bannedUser = tracker.User{ID: 1, Passkey: "bannedpasskey", Active: true}

func bannedReq() *bittorrent.AnnounceRequest {
	req := &bittorrent.AnnounceRequest{Passkey: bannedUser.Passkey}
	req.Peer.ID = bittorrent.PeerIDFromString("peerban0000000000001")
	req.Peer.IP = bittorrent.NewIP("10.0.0.1")
	return req
}

func newBanHook(t *testing.T) middleware.Hook {
	req := bannedReq()
	d := TupleDigest(bannedUser.ID, bannedUser.Passkey, req.Peer.ID, req.Peer.IP)
	h, err := NewHook(Config{BannedDigests: []string{hex.EncodeToString(d[:])}})
	require.Nil(t, err)
	return h
}

func TestBannedTupleRejected(t *testing.T) {
	h := newBanHook(t)

	ctx := middleware.WithUser(context.Background(), bannedUser)
	_, err := h.HandleAnnounce(ctx, bannedReq(), &bittorrent.AnnounceResponse{})
	require.Equal(t, ErrPeerBanned, err)
}

func TestChangedTuplePasses(t *testing.T) {
	h := newBanHook(t)
	ctx := middleware.WithUser(context.Background(), bannedUser)

	// Same user and client from a different address is a different tuple.
	req := bannedReq()
	req.Peer.IP = bittorrent.NewIP("10.0.0.2")
	_, err := h.HandleAnnounce(ctx, req, &bittorrent.AnnounceResponse{})
	require.Nil(t, err)
}

func TestEmptyBanListPasses(t *testing.T) {
	h, err := NewHook(Config{})
	require.Nil(t, err)

	// An empty list short-circuits without consulting the context.
	_, err = h.HandleAnnounce(context.Background(), bannedReq(), &bittorrent.AnnounceResponse{})
	require.Nil(t, err)
}

func TestMalformedDigestRejected(t *testing.T) {
	_, err := NewHook(Config{BannedDigests: []string{"nothex"}})
	require.NotNil(t, err)

	_, err = NewHook(Config{BannedDigests: []string{"abcd"}})
	require.NotNil(t, err)
}
