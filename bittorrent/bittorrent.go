// Package bittorrent implements all of the abstractions used to decouple the
// protocol of a private BitTorrent tracker from the logic of handling
// Announces and Scrapes.
package bittorrent

import (
	"fmt"
	"net"
	"time"

	"github.com/moray/moray/pkg/log"
)

// PeerID represents the client-supplied opaque peer identifier.
type PeerID [20]byte

// PeerIDFromBytes creates a PeerID from a byte slice.
//
// It panics if b is not 20 bytes long.
func PeerIDFromBytes(b []byte) PeerID {
	if len(b) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return PeerID(buf)
}

// PeerIDFromString creates a PeerID from a string.
//
// It panics if s is not 20 bytes long.
func PeerIDFromString(s string) PeerID {
	if len(s) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return PeerID(buf)
}

// String implements fmt.Stringer, returning the raw bytes of the PeerID.
func (p PeerID) String() string {
	return string(p[:])
}

// ClientID is the leading section of a PeerID that identifies the client
// software, e.g. "-TR2" for Transmission.
type ClientID [4]byte

// ClientID returns the client-identifying prefix of a PeerID.
func (p PeerID) ClientID() ClientID {
	var cid ClientID
	copy(cid[:], p[:4])
	return cid
}

// Fingerprint is a longer PeerID prefix that additionally captures the client
// version, e.g. the first 8 bytes of "-TR2940-".
type Fingerprint [8]byte

// Fingerprint returns the client fingerprint of a PeerID.
func (p PeerID) Fingerprint() Fingerprint {
	var fp Fingerprint
	copy(fp[:], p[:8])
	return fp
}

// AddressFamily is the address family of an IP address.
type AddressFamily uint8

// String implements fmt.Stringer.
func (af AddressFamily) String() string {
	switch af {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	}
	panic("bittorrent: address family has no associated name")
}

// AddressFamilies.
const (
	IPv4 AddressFamily = iota
	IPv6
)

// IP is a net.IP that remembers which address family it belongs to.
type IP struct {
	net.IP
	AddressFamily
}

// NewIP classifies a textual address into an IP.
//
// Classification is deliberately loose: an address parsing as 4 bytes is
// IPv4, anything else that parses is IPv6. Unparseable addresses yield an IP
// with a nil net.IP, which the compact codecs skip rather than reject.
func NewIP(s string) IP {
	parsed := net.ParseIP(s)
	if v4 := parsed.To4(); v4 != nil {
		return IP{IP: v4, AddressFamily: IPv4}
	}
	if parsed != nil {
		return IP{IP: parsed, AddressFamily: IPv6}
	}
	return IP{}
}

// Peer represents the connection details of a peer that is returned in an
// announce response.
type Peer struct {
	ID   PeerID
	IP   IP
	Port uint16
}

// String implements fmt.Stringer for a human-friendly representation of a
// Peer.
func (p Peer) String() string {
	return fmt.Sprintf("%x@[%s]:%d", p.ID, p.IP, p.Port)
}

// LogFields renders the current peer as a set of log fields.
func (p Peer) LogFields() log.Fields {
	return log.Fields{
		"id":   fmt.Sprintf("%x", p.ID),
		"ip":   p.IP.IP.String(),
		"port": p.Port,
	}
}

// Equal reports whether p and x are the same.
func (p Peer) Equal(x Peer) bool { return p.EqualEndpoint(x) && p.ID == x.ID }

// EqualEndpoint reports whether p and x have the same endpoint.
func (p Peer) EqualEndpoint(x Peer) bool {
	return p.Port == x.Port && p.IP.Equal(x.IP.IP)
}

// AnnounceRequest represents the parsed parameters from an announce request.
type AnnounceRequest struct {
	Passkey         string
	Event           Event
	InfoHash        InfoHash
	Compact         bool
	EventProvided   bool
	NumWantProvided bool
	NoPeerID        bool
	NumWant         uint32
	Left            uint64
	Downloaded      uint64
	Uploaded        uint64

	Peer
	Params
}

// LogFields renders the current request as a set of log fields.
func (r AnnounceRequest) LogFields() log.Fields {
	return log.Fields{
		"event":      r.Event,
		"infoHash":   r.InfoHash,
		"compact":    r.Compact,
		"numWant":    r.NumWant,
		"left":       r.Left,
		"downloaded": r.Downloaded,
		"uploaded":   r.Uploaded,
		"peer":       r.Peer,
	}
}

// AnnounceResponse represents the parameters used to create an announce
// response.
type AnnounceResponse struct {
	Compact     bool
	NoPeerID    bool
	Complete    uint32
	Incomplete  uint32
	Interval    time.Duration
	MinInterval time.Duration
	IPv4Peers   []Peer
	IPv6Peers   []Peer
}

// LogFields renders the current response as a set of log fields.
func (r AnnounceResponse) LogFields() log.Fields {
	return log.Fields{
		"compact":     r.Compact,
		"complete":    r.Complete,
		"incomplete":  r.Incomplete,
		"interval":    r.Interval,
		"minInterval": r.MinInterval,
		"ipv4Peers":   len(r.IPv4Peers),
		"ipv6Peers":   len(r.IPv6Peers),
	}
}

// ScrapeRequest represents the parsed parameters from a scrape request.
type ScrapeRequest struct {
	Passkey    string
	InfoHashes []InfoHash
	Params     Params
}

// LogFields renders the current request as a set of log fields.
func (r ScrapeRequest) LogFields() log.Fields {
	return log.Fields{
		"infoHashes": r.InfoHashes,
	}
}

// ScrapeResponse represents the parameters used to create a scrape response.
//
// Files only contains the swarms whose torrents resolved; unresolvable
// infohashes are omitted rather than failing the request.
type ScrapeResponse struct {
	Files []Scrape
}

// LogFields renders the current response as a set of log fields.
func (sr ScrapeResponse) LogFields() log.Fields {
	return log.Fields{
		"files": len(sr.Files),
	}
}

// Scrape represents the state of a swarm that is returned in a scrape
// response.
type Scrape struct {
	InfoHash   InfoHash
	Snatches   uint64
	Complete   uint32
	Incomplete uint32
}

// ClientError represents an error that should be exposed to the client over
// the BitTorrent protocol implementation.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }

// Failure reasons shared across the tracker core.
var (
	// ErrMissingParams is returned when an announce or scrape lacks a
	// required parameter.
	ErrMissingParams = ClientError("Missing required parameters")

	// ErrUserNotFound is returned when a passkey resolves to no user or to
	// a user that is not active.
	ErrUserNotFound = ClientError("Invalid or banned user")

	// ErrTorrentNotFound is returned when an infohash resolves to no
	// torrent or to a torrent that has not been approved.
	ErrTorrentNotFound = ClientError("Torrent not found or not approved")

	// ErrLowRatio is returned before any swarm mutation when a non-VIP
	// user's share ratio is below the configured minimum.
	ErrLowRatio = ClientError("Share ratio below the required minimum")

	// ErrHitAndRun is returned after swarm and ledger mutation when a
	// non-VIP user has too many hit-and-runs on record.
	ErrHitAndRun = ClientError("Too many hit and runs on record")
)
