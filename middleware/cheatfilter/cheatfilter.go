// Package cheatfilter implements a Hook that fails an Announce from peer IDs
// known to belong to stat-faking clients. Entries match either a full
// fingerprint or an arbitrary peer-id substring, since some cheat clients
// spoof the prefix of a legitimate client but leak a marker elsewhere in the
// peer ID.
package cheatfilter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	yaml "gopkg.in/yaml.v2"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/middleware"
)

// Name is the name by which this middleware is registered.
const Name = "cheat filter"

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

// ErrCheatingClient is the error returned when a client matches a known
// cheat signature.
var ErrCheatingClient = bittorrent.ClientError("client is flagged for cheating")

// Config represents all the values required by this middleware to reject
// known-bad clients.
type Config struct {
	BannedFingerprints []string `yaml:"banned_fingerprints"`
	BannedSubstrings   []string `yaml:"banned_substrings"`
}

type hook struct {
	fingerprints map[bittorrent.Fingerprint]struct{}
	substrings   []string
}

// NewHook returns an instance of the cheat filter middleware.
func NewHook(cfg Config) (middleware.Hook, error) {
	h := &hook{
		fingerprints: make(map[bittorrent.Fingerprint]struct{}, len(cfg.BannedFingerprints)),
		substrings:   cfg.BannedSubstrings,
	}

	for _, fpString := range cfg.BannedFingerprints {
		fpBytes := []byte(fpString)
		if len(fpBytes) != 8 {
			return nil, errors.New("fingerprint " + fpString + " must be 8 bytes")
		}
		var fp bittorrent.Fingerprint
		copy(fp[:], fpBytes)
		h.fingerprints[fp] = struct{}{}
	}

	for _, sub := range cfg.BannedSubstrings {
		if sub == "" {
			return nil, errors.New("banned substring must not be empty")
		}
	}

	return h, nil
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	if _, found := h.fingerprints[req.Peer.ID.Fingerprint()]; found {
		return ctx, ErrCheatingClient
	}

	id := req.Peer.ID.String()
	for _, sub := range h.substrings {
		if strings.Contains(id, sub) {
			return ctx, ErrCheatingClient
		}
	}

	return ctx, nil
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}
