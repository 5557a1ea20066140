package http

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moray/moray/bittorrent"
)

const announceBase = "/announce?passkey=validpasskey&info_hash=aaaaaaaaaaaaaaaaaaaa&peer_id=-TR2940-k8hj0wgej6ch&port=6881"

func parseOpts() ParseOptions {
	return ParseOptions{
		MaxNumWant:          100,
		DefaultNumWant:      50,
		MaxScrapeInfoHashes: 50,
	}
}

func TestParseAnnounce(t *testing.T) {
	r := httptest.NewRequest("GET", announceBase+"&uploaded=100&downloaded=50&left=1000&compact=1&numwant=30", nil)

	req, err := ParseAnnounce(r, parseOpts())
	require.Nil(t, err)

	require.Equal(t, "validpasskey", req.Passkey)
	require.Equal(t, bittorrent.None, req.Event)
	require.True(t, req.Compact)
	require.False(t, req.NoPeerID)
	require.Equal(t, uint64(100), req.Uploaded)
	require.Equal(t, uint64(50), req.Downloaded)
	require.Equal(t, uint64(1000), req.Left)
	require.Equal(t, uint32(30), req.NumWant)
	require.Equal(t, uint16(6881), req.Peer.Port)
	require.Equal(t, "-TR2940-k8hj0wgej6ch", req.Peer.ID.String())
	require.Equal(t, "192.0.2.1", req.Peer.IP.IP.String())
}

func TestParseAnnounceDefaults(t *testing.T) {
	r := httptest.NewRequest("GET", announceBase, nil)

	req, err := ParseAnnounce(r, parseOpts())
	require.Nil(t, err)

	// Absent totals read as zero, and numwant falls back to the default.
	require.Zero(t, req.Uploaded)
	require.Zero(t, req.Downloaded)
	require.Zero(t, req.Left)
	require.False(t, req.NumWantProvided)
	require.Equal(t, uint32(50), req.NumWant)
}

func TestParseAnnounceMissingParams(t *testing.T) {
	missing := []string{
		"/announce?info_hash=aaaaaaaaaaaaaaaaaaaa&peer_id=-TR2940-k8hj0wgej6ch&port=6881",
		"/announce?passkey=validpasskey&peer_id=-TR2940-k8hj0wgej6ch&port=6881",
		"/announce?passkey=validpasskey&info_hash=aaaaaaaaaaaaaaaaaaaa&port=6881",
		"/announce?passkey=validpasskey&info_hash=aaaaaaaaaaaaaaaaaaaa&peer_id=-TR2940-k8hj0wgej6ch",
	}

	for _, target := range missing {
		r := httptest.NewRequest("GET", target, nil)
		_, err := ParseAnnounce(r, parseOpts())
		require.Equal(t, bittorrent.ErrMissingParams, err, target)
	}
}

func TestParseAnnounceRejectsMultipleInfoHashes(t *testing.T) {
	r := httptest.NewRequest("GET", announceBase+"&info_hash=bbbbbbbbbbbbbbbbbbbb", nil)
	_, err := ParseAnnounce(r, parseOpts())
	require.NotNil(t, err)
	_, ok := err.(bittorrent.ClientError)
	require.True(t, ok)
}

func TestParseAnnounceRejectsOutOfRangePort(t *testing.T) {
	for _, port := range []string{"0", "65536", "70000", "4294967296"} {
		r := httptest.NewRequest("GET", "/announce?passkey=validpasskey&info_hash=aaaaaaaaaaaaaaaaaaaa&peer_id=-TR2940-k8hj0wgej6ch&port="+port, nil)
		_, err := ParseAnnounce(r, parseOpts())
		require.NotNil(t, err, "port %s must not be accepted", port)
		_, ok := err.(bittorrent.ClientError)
		require.True(t, ok, "port %s", port)
	}
}

func TestParseAnnounceRejectsOversizedNumwant(t *testing.T) {
	// Larger than a uint32; must not wrap into a small request.
	r := httptest.NewRequest("GET", announceBase+"&numwant=4294967297", nil)
	_, err := ParseAnnounce(r, parseOpts())
	require.NotNil(t, err)
}

func TestParseAnnounceRejectsBadPeerID(t *testing.T) {
	r := httptest.NewRequest("GET", "/announce?passkey=validpasskey&info_hash=aaaaaaaaaaaaaaaaaaaa&peer_id=short&port=6881", nil)
	_, err := ParseAnnounce(r, parseOpts())
	require.NotNil(t, err)
}

func TestParseAnnounceEvent(t *testing.T) {
	r := httptest.NewRequest("GET", announceBase+"&event=stopped", nil)
	req, err := ParseAnnounce(r, parseOpts())
	require.Nil(t, err)
	require.True(t, req.EventProvided)
	require.Equal(t, bittorrent.Stopped, req.Event)

	r = httptest.NewRequest("GET", announceBase+"&event=nonsense", nil)
	_, err = ParseAnnounce(r, parseOpts())
	require.NotNil(t, err)
}

func TestParseAnnounceSpoofedIP(t *testing.T) {
	opts := parseOpts()
	r := httptest.NewRequest("GET", announceBase+"&ip=10.1.2.3", nil)

	// Spoofing disabled: the request address wins.
	req, err := ParseAnnounce(r, opts)
	require.Nil(t, err)
	require.Equal(t, "192.0.2.1", req.Peer.IP.IP.String())

	opts.AllowIPSpoofing = true
	req, err = ParseAnnounce(r, opts)
	require.Nil(t, err)
	require.Equal(t, "10.1.2.3", req.Peer.IP.IP.String())
}

func TestParseAnnounceRealIPHeader(t *testing.T) {
	opts := parseOpts()
	opts.RealIPHeader = "X-Real-IP"

	r := httptest.NewRequest("GET", announceBase, nil)
	r.Header.Set("X-Real-IP", "198.51.100.7")

	req, err := ParseAnnounce(r, opts)
	require.Nil(t, err)
	require.Equal(t, "198.51.100.7", req.Peer.IP.IP.String())
}

func TestParseScrape(t *testing.T) {
	r := httptest.NewRequest("GET", "/scrape?info_hash=aaaaaaaaaaaaaaaaaaaa&info_hash=bbbbbbbbbbbbbbbbbbbb", nil)

	req, err := ParseScrape(r, parseOpts())
	require.Nil(t, err)
	require.Len(t, req.InfoHashes, 2)

	r = httptest.NewRequest("GET", "/scrape", nil)
	_, err = ParseScrape(r, parseOpts())
	require.Equal(t, bittorrent.ErrMissingParams, err)
}
