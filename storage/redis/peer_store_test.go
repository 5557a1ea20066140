package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/require"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/storage"
)

func createNew(t *testing.T) (storage.PeerStore, *miniredis.Miniredis) {
	s, err := miniredis.Run()
	require.Nil(t, err)

	ps, err := New(Config{
		Addr:                      s.Addr(),
		KeyPrefix:                 "moray_test:",
		MaxIdle:                   2,
		ConnectTimeout:            time.Second,
		ReadTimeout:               time.Second,
		WriteTimeout:              time.Second,
		GarbageCollectionInterval: 10 * time.Minute,
		PeerLifetime:              30 * time.Minute,
	})
	require.Nil(t, err)
	return ps, s
}

func testIH(b byte) bittorrent.InfoHash {
	var raw [20]byte
	for i := range raw {
		raw[i] = b
	}
	return bittorrent.InfoHash(raw)
}

func testPeer(id string, ip string, port uint16) bittorrent.Peer {
	return bittorrent.Peer{
		ID:   bittorrent.PeerIDFromString(id),
		IP:   bittorrent.NewIP(ip),
		Port: port,
	}
}

func TestUpsertAndCounts(t *testing.T) {
	ps, s := createNew(t)
	defer s.Close()
	defer ps.Stop()

	ih := testIH(0x01)
	seeder := testPeer("seeder00000000000001", "10.0.0.1", 6881)
	leecher := testPeer("leecher0000000000001", "10.0.0.2", 6882)

	require.Nil(t, ps.UpsertAnnounce(ih, seeder, 0, 0, 0, bittorrent.Started))
	require.Nil(t, ps.UpsertAnnounce(ih, leecher, 0, 0, 1000, bittorrent.Started))

	complete, incomplete := ps.SwarmCounts(ih)
	require.Equal(t, uint32(1), complete)
	require.Equal(t, uint32(1), incomplete)
}

func TestRecordRoundTrip(t *testing.T) {
	ps, s := createNew(t)
	defer s.Close()
	defer ps.Stop()

	ih := testIH(0x02)
	p := testPeer("peer0000000000000001", "2001:db8::1", 6881)

	require.Nil(t, ps.UpsertAnnounce(ih, p, 42, 99, 1000, bittorrent.Started))

	snap, ok := ps.LastAnnounce(ih, p.ID)
	require.True(t, ok)
	require.Equal(t, uint64(42), snap.Uploaded)
	require.Equal(t, uint64(99), snap.Downloaded)
	require.Equal(t, uint64(1000), snap.Left)
	require.Equal(t, bittorrent.IPv6, snap.Peer.IP.AddressFamily)
	require.True(t, snap.Peer.IP.Equal(p.IP.IP))
	require.Equal(t, uint16(6881), snap.Peer.Port)
}

func TestStoppedRemovesPeer(t *testing.T) {
	ps, s := createNew(t)
	defer s.Close()
	defer ps.Stop()

	ih := testIH(0x03)
	p := testPeer("peer0000000000000001", "10.0.0.1", 6881)

	require.Nil(t, ps.UpsertAnnounce(ih, p, 0, 0, 1000, bittorrent.Started))
	require.Nil(t, ps.UpsertAnnounce(ih, p, 0, 0, 1000, bittorrent.Stopped))

	_, ok := ps.LastAnnounce(ih, p.ID)
	require.False(t, ok)
}

func TestCompletedCountIsMonotonic(t *testing.T) {
	ps, s := createNew(t)
	defer s.Close()
	defer ps.Stop()

	ih := testIH(0x04)
	p := testPeer("peer0000000000000001", "10.0.0.1", 6881)

	require.Nil(t, ps.UpsertAnnounce(ih, p, 0, 1000, 0, bittorrent.Completed))
	require.Nil(t, ps.UpsertAnnounce(ih, p, 0, 1000, 0, bittorrent.Stopped))

	require.Equal(t, uint64(1), ps.CompletedCount(ih))
}

func TestActivePeersExcludesRequester(t *testing.T) {
	ps, s := createNew(t)
	defer s.Close()
	defer ps.Stop()

	ih := testIH(0x05)
	a := testPeer("peerA000000000000001", "10.0.0.1", 6881)
	b := testPeer("peerB000000000000001", "10.0.0.2", 6882)

	require.Nil(t, ps.UpsertAnnounce(ih, a, 0, 0, 1000, bittorrent.Started))
	require.Nil(t, ps.UpsertAnnounce(ih, b, 0, 0, 1000, bittorrent.Started))

	peers, err := ps.ActivePeers(ih, a.ID, false, 50)
	require.Nil(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, b.ID, peers[0].ID)
}

func TestGarbageCollectionSweepsStalePeers(t *testing.T) {
	ps, s := createNew(t)
	defer s.Close()
	defer ps.Stop()

	ih := testIH(0x06)
	p := testPeer("peer0000000000000001", "10.0.0.1", 6881)

	require.Nil(t, ps.UpsertAnnounce(ih, p, 0, 0, 1000, bittorrent.Started))

	// Sweep everything announced before a cutoff in the future.
	require.Nil(t, ps.(*peerStore).collectGarbage(time.Now().Add(time.Hour)))

	_, ok := ps.LastAnnounce(ih, p.ID)
	require.False(t, ok)
}
