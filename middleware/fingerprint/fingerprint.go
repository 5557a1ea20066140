// Package fingerprint implements a Hook that fails an Announce when the
// client's full fingerprint is not on an allow-list. The fingerprint covers
// the client version in addition to the client ID, so it rejects outdated
// builds of otherwise approved clients.
package fingerprint

import (
	"context"
	"errors"
	"fmt"

	yaml "gopkg.in/yaml.v2"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/middleware"
)

// Name is the name by which this middleware is registered.
const Name = "fingerprint approval"

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

// ErrFingerprintUnapproved is the error returned when a client's fingerprint
// is not on the allow-list.
var ErrFingerprintUnapproved = bittorrent.ClientError("unapproved client version")

// Config represents all the values required by this middleware to validate
// peers based on their client fingerprint.
type Config struct {
	Allowed []string `yaml:"allowed"`
}

type hook struct {
	allowed map[bittorrent.Fingerprint]struct{}
}

// NewHook returns an instance of the fingerprint approval middleware.
func NewHook(cfg Config) (middleware.Hook, error) {
	if len(cfg.Allowed) == 0 {
		return nil, errors.New("fingerprint allow-list must not be empty")
	}

	h := &hook{allowed: make(map[bittorrent.Fingerprint]struct{}, len(cfg.Allowed))}
	for _, fpString := range cfg.Allowed {
		fpBytes := []byte(fpString)
		if len(fpBytes) != 8 {
			return nil, errors.New("fingerprint " + fpString + " must be 8 bytes")
		}
		var fp bittorrent.Fingerprint
		copy(fp[:], fpBytes)
		h.allowed[fp] = struct{}{}
	}

	return h, nil
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	if _, found := h.allowed[req.Peer.ID.Fingerprint()]; !found {
		return ctx, ErrFingerprintUnapproved
	}

	return ctx, nil
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}
