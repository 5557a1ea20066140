// Package peerban implements a Hook that fails an Announce when the
// (user, passkey, peer ID, IP) tuple is on a ban list. Bans are distributed
// as hex digests of the tuple so the list itself reveals nothing about who
// is banned.
package peerban

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/minio/sha256-simd"
	yaml "gopkg.in/yaml.v2"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/middleware"
)

// Name is the name by which this middleware is registered.
const Name = "peer ban"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewHook(optionBytes []byte) (middleware.Hook, error) {
	var cfg Config
	err := yaml.Unmarshal(optionBytes, &cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid options for middleware %s: %s", Name, err)
	}

	return NewHook(cfg)
}

// ErrPeerBanned is the error returned when a peer tuple is banned.
var ErrPeerBanned = bittorrent.ClientError("banned from this tracker")

// Config represents all the values required by this middleware to reject
// banned peers.
type Config struct {
	BannedDigests []string `yaml:"banned_digests"`
}

// Digest is a sha256 digest of an announce tuple.
type Digest [sha256.Size]byte

type hook struct {
	banned map[Digest]struct{}
}

// NewHook returns an instance of the peer ban middleware.
func NewHook(cfg Config) (middleware.Hook, error) {
	h := &hook{banned: make(map[Digest]struct{}, len(cfg.BannedDigests))}

	for _, hexDigest := range cfg.BannedDigests {
		raw, err := hex.DecodeString(hexDigest)
		if err != nil || len(raw) != sha256.Size {
			return nil, errors.New("banned digest " + hexDigest + " is not a hex sha256 digest")
		}
		var d Digest
		copy(d[:], raw)
		h.banned[d] = struct{}{}
	}

	return h, nil
}

// TupleDigest computes the ban-list digest for an announce tuple.
func TupleDigest(userID uint32, passkey string, id bittorrent.PeerID, ip bittorrent.IP) Digest {
	hasher := sha256.New()
	fmt.Fprintf(hasher, "%d|%s|", userID, passkey)
	hasher.Write(id[:])
	hasher.Write([]byte("|"))
	hasher.Write([]byte(ip.IP.String()))

	var d Digest
	copy(d[:], hasher.Sum(nil))
	return d
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	if len(h.banned) == 0 {
		return ctx, nil
	}

	user, ok := middleware.UserFromContext(ctx)
	if !ok {
		return ctx, errors.New("peer ban middleware requires an authenticated user")
	}

	if _, found := h.banned[TupleDigest(user.ID, req.Passkey, req.Peer.ID, req.Peer.IP)]; found {
		return ctx, ErrPeerBanned
	}

	return ctx, nil
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}
