package bittorrent

import (
	"encoding/hex"
	"strings"
)

// ErrInvalidInfoHash is returned when no interpretation of a client-supplied
// infohash yields 20 bytes.
var ErrInvalidInfoHash = ClientError("provided invalid infohash")

// InfoHash represents the 20-byte identifier of a torrent. Its canonical
// textual form is 40 lowercase hex characters.
type InfoHash [20]byte

// InfoHashFromBytes creates an InfoHash from a byte slice.
//
// It panics if b is not 20 bytes long.
func InfoHashFromBytes(b []byte) InfoHash {
	if len(b) != 20 {
		panic("infohash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return InfoHash(buf)
}

// NewInfoHash normalizes a client-supplied infohash into its canonical form.
//
// Clients in the wild send infohashes in at least three encodings: the raw 20
// binary bytes, 40 hex characters, and percent-encoded binary (frequently
// non-standard). Rejecting ambiguous input breaks interoperability, so the
// policy is best-effort decoding:
//
//   - exactly 20 bytes without a '%': taken as raw binary
//   - exactly 40 hex characters: decoded case-insensitively
//   - anything containing '%': percent-decoded byte-by-byte, falling back to
//     a manual scan that only replaces well-formed %XX tokens
//
// Only input that decodes to something other than 20 bytes under every
// interpretation returns ErrInvalidInfoHash.
func NewInfoHash(s string) (InfoHash, error) {
	if len(s) == 20 && !strings.ContainsRune(s, '%') {
		return InfoHashFromBytes([]byte(s)), nil
	}

	if len(s) == 40 {
		var buf [20]byte
		if _, err := hex.Decode(buf[:], []byte(s)); err == nil {
			return InfoHash(buf), nil
		}
	}

	if strings.ContainsRune(s, '%') {
		decoded, err := percentDecode(s)
		if err != nil {
			decoded = percentScan(s)
		}
		if len(decoded) == 20 {
			return InfoHashFromBytes(decoded), nil
		}
	}

	if len(s) == 20 {
		return InfoHashFromBytes([]byte(s)), nil
	}

	return InfoHash{}, ErrInvalidInfoHash
}

// percentDecode decodes every %XX token in s into a single byte and copies
// all other bytes verbatim. Unlike url.QueryUnescape it never interprets '+'
// and never validates UTF-8: infohashes are arbitrary binary and must survive
// byte-for-byte.
func percentDecode(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			out = append(out, s[i])
			continue
		}
		if i+2 >= len(s) {
			return nil, ErrInvalidInfoHash
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return nil, ErrInvalidInfoHash
		}
		out = append(out, hi<<4|lo)
		i += 2
	}
	return out, nil
}

// percentScan is the lenient fallback for percentDecode: well-formed %XX
// tokens are replaced, everything else (including stray '%') is copied as-is.
func percentScan(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if hi, ok1 := unhex(s[i+1]); ok1 {
				if lo, ok2 := unhex(s[i+2]); ok2 {
					out = append(out, hi<<4|lo)
					i += 2
					continue
				}
			}
		}
		out = append(out, s[i])
	}
	return out
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// String implements fmt.Stringer, returning the canonical lowercase hex form.
func (i InfoHash) String() string {
	return hex.EncodeToString(i[:])
}

// RawString returns a 20-byte string of the raw bytes of the InfoHash.
func (i InfoHash) RawString() string {
	return string(i[:])
}
