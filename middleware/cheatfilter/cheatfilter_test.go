package cheatfilter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moray/moray/bittorrent"
)

func announceAs(peerID string) *bittorrent.AnnounceRequest {
	req := &bittorrent.AnnounceRequest{}
	req.Peer.ID = bittorrent.PeerIDFromString(peerID)
	return req
}

func TestBannedFingerprint(t *testing.T) {
	h, err := NewHook(Config{BannedFingerprints: []string{"-MG2111-"}})
	require.Nil(t, err)

	_, err = h.HandleAnnounce(context.Background(), announceAs("-MG2111-k8hj0wgej6ch"), &bittorrent.AnnounceResponse{})
	require.Equal(t, ErrCheatingClient, err)

	_, err = h.HandleAnnounce(context.Background(), announceAs("-TR2940-k8hj0wgej6ch"), &bittorrent.AnnounceResponse{})
	require.Nil(t, err)
}

func TestBannedSubstringAnywhere(t *testing.T) {
	h, err := NewHook(Config{BannedSubstrings: []string{"cheat"}})
	require.Nil(t, err)

	// A cheat client spoofing a legitimate prefix still leaks its marker.
	_, err = h.HandleAnnounce(context.Background(), announceAs("-TR2940-cheatwgej6ch"), &bittorrent.AnnounceResponse{})
	require.Equal(t, ErrCheatingClient, err)

	_, err = h.HandleAnnounce(context.Background(), announceAs("-TR2940-k8hj0wgej6ch"), &bittorrent.AnnounceResponse{})
	require.Nil(t, err)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewHook(Config{BannedFingerprints: []string{"-MG21-"}})
	require.NotNil(t, err)

	_, err = NewHook(Config{BannedSubstrings: []string{""}})
	require.NotNil(t, err)
}
