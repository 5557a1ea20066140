package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moray/moray/bittorrent"
	ledgermem "github.com/moray/moray/ledger/memory"
	"github.com/moray/moray/storage"
	storagemem "github.com/moray/moray/storage/memory"
	"github.com/moray/moray/tracker"
	trackermem "github.com/moray/moray/tracker/memory"
)

// recordingHook counts its invocations and optionally rejects.
type recordingHook struct {
	announceCalls int
	scrapeCalls   int
	err           error
}

func (h *recordingHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	h.announceCalls++
	return ctx, h.err
}

func (h *recordingHook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	h.scrapeCalls++
	return ctx, h.err
}

type fixture struct {
	logic     *Logic
	peerStore storage.PeerStore
	users     *trackermem.UserSource
	torrents  *trackermem.TorrentSource
}

var (
	testUser    = tracker.User{ID: 1, Passkey: "validpasskey", Active: true}
	testVIP     = tracker.User{ID: 2, Passkey: "vippasskey", Active: true, VIP: true}
	testBanned  = tracker.User{ID: 3, Passkey: "bannedpasskey", Active: false}
	testTorrent = tracker.Torrent{ID: 7, InfoHash: mustIH(0xaa), Approved: true, Size: 1 << 20}
	testHidden  = tracker.Torrent{ID: 8, InfoHash: mustIH(0xbb), Approved: false, Size: 1 << 20}
)

func mustIH(b byte) bittorrent.InfoHash {
	var raw [20]byte
	for i := range raw {
		raw[i] = b
	}
	return bittorrent.InfoHash(raw)
}

func newFixture(t *testing.T, cfg Config, preHooks ...Hook) *fixture {
	ps, err := storagemem.New(storagemem.Config{
		GarbageCollectionInterval: 10 * time.Minute,
		PeerLifetime:              30 * time.Minute,
	})
	require.Nil(t, err)

	ldgr, err := ledgermem.New(ledgermem.Config{
		MinSeedTime:   time.Hour,
		SweepInterval: time.Minute,
	})
	require.Nil(t, err)

	users := trackermem.NewUserSource([]tracker.User{testUser, testVIP, testBanned})
	torrents := trackermem.NewTorrentSource([]tracker.Torrent{testTorrent, testHidden})

	return &fixture{
		logic:     NewLogic(cfg, ps, users, torrents, ldgr, preHooks, nil),
		peerStore: ps,
		users:     users,
		torrents:  torrents,
	}
}

func defaultConfig() Config {
	return Config{
		AnnounceInterval:    30 * time.Minute,
		MinAnnounceInterval: 15 * time.Minute,
		MinRatio:            0.5,
	}
}

func announceReq(passkey string, ih bittorrent.InfoHash, peerID string, ip string, left uint64) *bittorrent.AnnounceRequest {
	req := &bittorrent.AnnounceRequest{
		Passkey:  passkey,
		InfoHash: ih,
		NumWant:  50,
		Left:     left,
	}
	req.Peer.ID = bittorrent.PeerIDFromString(peerID)
	req.Peer.IP = bittorrent.NewIP(ip)
	req.Peer.Port = 6881
	return req
}

func (f *fixture) swarmSize(ih bittorrent.InfoHash) uint32 {
	complete, incomplete := f.peerStore.SwarmCounts(ih)
	return complete + incomplete
}

func TestAnnounceUnknownUser(t *testing.T) {
	hook := &recordingHook{}
	f := newFixture(t, defaultConfig(), hook)
	defer f.logic.Stop()

	req := announceReq("nosuchpasskey", testTorrent.InfoHash, "peer0000000000000001", "10.0.0.1", 1000)
	_, _, err := f.logic.HandleAnnounce(context.Background(), req)
	require.Equal(t, bittorrent.ErrUserNotFound, err)
	require.Zero(t, hook.announceCalls)
	require.Zero(t, f.swarmSize(testTorrent.InfoHash))
}

func TestAnnounceInactiveUser(t *testing.T) {
	f := newFixture(t, defaultConfig())
	defer f.logic.Stop()

	req := announceReq(testBanned.Passkey, testTorrent.InfoHash, "peer0000000000000001", "10.0.0.1", 1000)
	_, _, err := f.logic.HandleAnnounce(context.Background(), req)
	require.Equal(t, bittorrent.ErrUserNotFound, err)
}

func TestAnnounceUnapprovedTorrent(t *testing.T) {
	hook := &recordingHook{}
	f := newFixture(t, defaultConfig(), hook)
	defer f.logic.Stop()

	req := announceReq(testUser.Passkey, testHidden.InfoHash, "peer0000000000000001", "10.0.0.1", 1000)
	_, _, err := f.logic.HandleAnnounce(context.Background(), req)
	require.Equal(t, bittorrent.ErrTorrentNotFound, err)
	require.Zero(t, hook.announceCalls)
	require.Zero(t, f.swarmSize(testHidden.InfoHash))
}

func TestAnnounceRatioCheckPrecedesHooks(t *testing.T) {
	hook := &recordingHook{}
	f := newFixture(t, defaultConfig(), hook)
	defer f.logic.Stop()

	// Seed an announce that leaves the user's ratio at 0.3.
	seedTransfer(t, f, testUser, 300, 1000)

	req := announceReq(testUser.Passkey, testTorrent.InfoHash, "peer0000000000000002", "10.0.0.2", 1000)
	_, _, err := f.logic.HandleAnnounce(context.Background(), req)
	require.Equal(t, bittorrent.ErrLowRatio, err)
	require.Zero(t, hook.announceCalls)
}

func TestAnnounceVIPBypassesRatio(t *testing.T) {
	f := newFixture(t, defaultConfig())
	defer f.logic.Stop()

	seedTransfer(t, f, testVIP, 300, 1000)

	req := announceReq(testVIP.Passkey, testTorrent.InfoHash, "peer0000000000000002", "10.0.0.2", 1000)
	_, resp, err := f.logic.HandleAnnounce(context.Background(), req)
	require.Nil(t, err)
	require.NotNil(t, resp)
}

// seedTransfer runs one successful announce reporting the given totals so
// the ledger holds a known ratio for the user.
func seedTransfer(t *testing.T, f *fixture, user tracker.User, uploaded, downloaded uint64) {
	req := announceReq(user.Passkey, testTorrent.InfoHash, "seedxfer000000000001", "10.0.0.9", 1000)
	req.Uploaded = uploaded
	req.Downloaded = downloaded
	_, _, err := f.logic.HandleAnnounce(context.Background(), req)
	require.Nil(t, err)
}

func TestAnnounceHookShortCircuit(t *testing.T) {
	rejected := bittorrent.ClientError("rejected by policy")
	first := &recordingHook{err: rejected}
	second := &recordingHook{}
	f := newFixture(t, defaultConfig(), first, second)
	defer f.logic.Stop()

	req := announceReq(testUser.Passkey, testTorrent.InfoHash, "peer0000000000000001", "10.0.0.1", 1000)
	_, _, err := f.logic.HandleAnnounce(context.Background(), req)
	require.Equal(t, rejected, err)
	require.Equal(t, 1, first.announceCalls)
	require.Zero(t, second.announceCalls, "checks after the failing one must not run")
	require.Zero(t, f.swarmSize(testTorrent.InfoHash), "a rejected announce must not touch the swarm")
}

func TestAnnounceSuccess(t *testing.T) {
	f := newFixture(t, defaultConfig())
	defer f.logic.Stop()

	other := announceReq(testVIP.Passkey, testTorrent.InfoHash, "other000000000000001", "10.0.0.2", 0)
	_, _, err := f.logic.HandleAnnounce(context.Background(), other)
	require.Nil(t, err)

	req := announceReq(testUser.Passkey, testTorrent.InfoHash, "peer0000000000000001", "10.0.0.1", 1000)
	_, resp, err := f.logic.HandleAnnounce(context.Background(), req)
	require.Nil(t, err)

	require.Equal(t, 30*time.Minute, resp.Interval)
	require.Equal(t, 15*time.Minute, resp.MinInterval)
	require.Equal(t, uint32(1), resp.Complete)
	require.Equal(t, uint32(1), resp.Incomplete)
	require.Len(t, resp.IPv4Peers, 1)
	require.Equal(t, other.Peer.ID, resp.IPv4Peers[0].ID)
}

func TestAnnounceLonePeerSeesItself(t *testing.T) {
	f := newFixture(t, defaultConfig())
	defer f.logic.Stop()

	req := announceReq(testUser.Passkey, testTorrent.InfoHash, "peer0000000000000001", "10.0.0.1", 1000)
	_, resp, err := f.logic.HandleAnnounce(context.Background(), req)
	require.Nil(t, err)
	require.Len(t, resp.IPv4Peers, 1)
	require.Equal(t, req.Peer.ID, resp.IPv4Peers[0].ID)
}

func TestAnnounceHitAndRunEnforcedAfterMutation(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxHitAndRuns = 1
	f := newFixture(t, cfg)
	defer f.logic.Stop()

	// Rack up hit and runs on other torrents: complete, then stop during
	// the seeding grace period. The first stays within the allowance.
	hitAndRun := func(ihByte byte, id uint32) error {
		ih := mustIH(ihByte)
		f.torrents.Put(tracker.Torrent{ID: id, InfoHash: ih, Approved: true, Size: 1 << 20})

		req := announceReq(testUser.Passkey, ih, "peer0000000000000001", "10.0.0.1", 0)
		req.Event = bittorrent.Completed
		if _, _, err := f.logic.HandleAnnounce(context.Background(), req); err != nil {
			return err
		}

		req = announceReq(testUser.Passkey, ih, "peer0000000000000001", "10.0.0.1", 0)
		req.Event = bittorrent.Stopped
		_, _, err := f.logic.HandleAnnounce(context.Background(), req)
		return err
	}

	require.Nil(t, hitAndRun(0xcc, 100))

	// The second offense tips the count over the allowance. The rejection
	// arrives after the announce has been processed, so the departing peer
	// is still removed from the swarm.
	require.Equal(t, bittorrent.ErrHitAndRun, hitAndRun(0xdd, 101))
	require.Zero(t, f.swarmSize(mustIH(0xdd)))

	// Later announces keep failing, but they are still recorded.
	req := announceReq(testUser.Passkey, testTorrent.InfoHash, "peer0000000000000001", "10.0.0.1", 1000)
	_, _, err := f.logic.HandleAnnounce(context.Background(), req)
	require.Equal(t, bittorrent.ErrHitAndRun, err)
	require.Equal(t, uint32(1), f.swarmSize(testTorrent.InfoHash))
}

func TestAnnounceStoppedReturnsNoPeers(t *testing.T) {
	f := newFixture(t, defaultConfig())
	defer f.logic.Stop()

	req := announceReq(testUser.Passkey, testTorrent.InfoHash, "peer0000000000000001", "10.0.0.1", 1000)
	_, _, err := f.logic.HandleAnnounce(context.Background(), req)
	require.Nil(t, err)

	req = announceReq(testUser.Passkey, testTorrent.InfoHash, "peer0000000000000001", "10.0.0.1", 1000)
	req.Event = bittorrent.Stopped
	_, resp, err := f.logic.HandleAnnounce(context.Background(), req)
	require.Nil(t, err)
	require.Empty(t, resp.IPv4Peers)
	require.Empty(t, resp.IPv6Peers)
}

func TestScrapeOmitsUnknownAndUnapproved(t *testing.T) {
	f := newFixture(t, defaultConfig())
	defer f.logic.Stop()

	req := announceReq(testUser.Passkey, testTorrent.InfoHash, "peer0000000000000001", "10.0.0.1", 0)
	_, _, err := f.logic.HandleAnnounce(context.Background(), req)
	require.Nil(t, err)

	scrape := &bittorrent.ScrapeRequest{
		InfoHashes: []bittorrent.InfoHash{
			testTorrent.InfoHash,
			testHidden.InfoHash,
			mustIH(0xee),
		},
	}

	_, resp, err := f.logic.HandleScrape(context.Background(), scrape)
	require.Nil(t, err)
	require.Len(t, resp.Files, 1)
	require.Equal(t, testTorrent.InfoHash, resp.Files[0].InfoHash)
	require.Equal(t, uint32(1), resp.Files[0].Complete)
}

func TestTransferDeltas(t *testing.T) {
	req := &bittorrent.AnnounceRequest{Uploaded: 100, Downloaded: 50}

	// First sighting counts session totals wholesale.
	up, down := transferDeltas(storage.PeerSnapshot{}, false, req)
	require.Equal(t, uint64(100), up)
	require.Equal(t, uint64(50), down)

	// Growth counts the difference.
	prev := storage.PeerSnapshot{Uploaded: 60, Downloaded: 50}
	up, down = transferDeltas(prev, true, req)
	require.Equal(t, uint64(40), up)
	require.Zero(t, down)

	// A client restart shrinks the totals; nothing is counted.
	prev = storage.PeerSnapshot{Uploaded: 500, Downloaded: 400}
	up, down = transferDeltas(prev, true, req)
	require.Zero(t, up)
	require.Zero(t, down)
}
