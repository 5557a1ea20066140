package http

import (
	"net/http"

	"github.com/moray/moray/bittorrent"
	"github.com/moray/moray/bittorrent/bencode"
	"github.com/moray/moray/pkg/log"
)

// WriteError communicates an error to a BitTorrent client over HTTP.
//
// Clients expect parseable bencode even on failure, so every error becomes a
// well-formed dictionary with a "failure reason" key and status 200.
func WriteError(w http.ResponseWriter, err error) error {
	message := "internal server error"
	if _, clientErr := err.(bittorrent.ClientError); clientErr {
		message = err.Error()
	} else {
		log.Error("http: internal error", log.Err(err))
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	return bencode.NewEncoder(w).Encode(bencode.NewDict().Set("failure reason", message))
}

// WriteAnnounceResponse communicates the results of an Announce to a
// BitTorrent client over HTTP.
//
// Keys are emitted in a fixed order so responses are byte-stable.
func WriteAnnounceResponse(w http.ResponseWriter, resp *bittorrent.AnnounceResponse) error {
	bdict := bencode.NewDict().
		Set("interval", resp.Interval).
		Set("min interval", resp.MinInterval).
		Set("complete", resp.Complete).
		Set("incomplete", resp.Incomplete)

	w.Header().Set("Content-Type", "text/plain")

	// Add the peers to the dictionary in the compact format.
	if resp.Compact {
		var compactPeers, compactPeers6 []byte

		for _, peer := range resp.IPv4Peers {
			compactPeers = append(compactPeers, compact4(peer)...)
		}
		if len(compactPeers) > 0 {
			bdict.Set("peers", compactPeers)
		}

		for _, peer := range resp.IPv6Peers {
			compactPeers6 = append(compactPeers6, compact6(peer)...)
		}
		if len(compactPeers6) > 0 {
			bdict.Set("peers6", compactPeers6)
		}

		return bencode.NewEncoder(w).Encode(bdict)
	}

	// Add the peers to the dictionary in the dictionary model.
	peers := make([]*bencode.Dict, 0, len(resp.IPv4Peers)+len(resp.IPv6Peers))
	for _, peer := range resp.IPv4Peers {
		peers = append(peers, dict(peer, resp.NoPeerID))
	}
	for _, peer := range resp.IPv6Peers {
		peers = append(peers, dict(peer, resp.NoPeerID))
	}
	bdict.Set("peers", peers)

	return bencode.NewEncoder(w).Encode(bdict)
}

// WriteScrapeResponse communicates the results of a Scrape to a BitTorrent
// client over HTTP.
//
// The files dictionary is keyed by the canonical 40-char lowercase hex form
// of each infohash.
func WriteScrapeResponse(w http.ResponseWriter, resp *bittorrent.ScrapeResponse) error {
	filesDict := bencode.NewDict()
	for _, scrape := range resp.Files {
		filesDict.Set(scrape.InfoHash.String(), bencode.NewDict().
			Set("complete", scrape.Complete).
			Set("downloaded", scrape.Snatches).
			Set("incomplete", scrape.Incomplete))
	}

	w.Header().Set("Content-Type", "text/plain")
	return bencode.NewEncoder(w).Encode(bencode.NewDict().Set("files", filesDict))
}

// compact4 packs a peer into the 6-byte BEP 23 representation. Peers whose
// address cannot be rendered as IPv4 are skipped rather than corrupting the
// stream.
func compact4(peer bittorrent.Peer) []byte {
	ip := peer.IP.To4()
	if ip == nil {
		return nil
	}

	buf := make([]byte, 0, 6)
	buf = append(buf, ip...)
	buf = append(buf, byte(peer.Port>>8), byte(peer.Port&0xff))
	return buf
}

// compact6 packs a peer into the 18-byte BEP 7 representation.
func compact6(peer bittorrent.Peer) []byte {
	ip := peer.IP.To16()
	if ip == nil {
		return nil
	}

	buf := make([]byte, 0, 18)
	buf = append(buf, ip...)
	buf = append(buf, byte(peer.Port>>8), byte(peer.Port&0xff))
	return buf
}

func dict(peer bittorrent.Peer, noPeerID bool) *bencode.Dict {
	d := bencode.NewDict()
	if !noPeerID {
		d.Set("peer id", string(peer.ID[:]))
	}
	return d.
		Set("ip", peer.IP.IP.String()).
		Set("port", peer.Port)
}
