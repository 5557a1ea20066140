package bittorrent

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

// Params is used to fetch (optional) request parameters from an Announce.
type Params interface {
	// String returns a string parsed from a query. Every key can be
	// returned as a string because they are encoded in the URL as strings.
	String(key string) (string, bool)

	// RawPath returns the raw path from the request URL.
	RawPath() string

	// RawQuery returns the raw query from the request URL, excluding the
	// delimiter '?'.
	RawQuery() string
}

// ErrKeyNotFound is returned when a provided key has no value associated with
// it.
var ErrKeyNotFound = errors.New("query: value for the provided key does not exist")

// QueryParams parses a URL Query and implements the Params interface with
// some additional helpers.
type QueryParams struct {
	path       string
	query      string
	params     map[string]string
	infoHashes []InfoHash
}

// ParseURLData parses a tracker request URL.
//
// It expects a concatenated string of the request's path and query parts as
// defined in RFC 3986, e.g. "/announce?port=1234&uploaded=0". HTTP servers
// should pass (*http.Request).RequestURI so that the query is seen before the
// net/http layer applies any UTF-8 interpretation to it.
//
// In the case of a key occurring multiple times in the query, only the last
// value for that key is kept. The only exception is "info_hash": every value
// is normalized via NewInfoHash and collected, and can later be retrieved by
// calling the InfoHashes method.
func ParseURLData(urlData string) (*QueryParams, error) {
	var path, query string

	queryDelim := strings.IndexAny(urlData, "?")
	if queryDelim == -1 {
		path = urlData
	} else {
		path = urlData[:queryDelim]
		query = urlData[queryDelim+1:]
	}

	q, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	q.path = path
	return q, nil
}

// parseQuery parses a URL query into QueryParams.
// The query is expected to exclude the delimiting '?'.
func parseQuery(rawQuery string) (*QueryParams, error) {
	q := &QueryParams{
		query:  rawQuery,
		params: make(map[string]string),
	}

	for _, field := range strings.FieldsFunc(rawQuery, func(r rune) bool {
		return r == '&' || r == ';'
	}) {
		var rawKey, rawValue string
		if eq := strings.IndexByte(field, '='); eq == -1 {
			rawKey = field
		} else {
			rawKey = field[:eq]
			rawValue = field[eq+1:]
		}

		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, err
		}
		key = strings.ToLower(key)

		// The raw value is handed to NewInfoHash undecoded: infohashes
		// are arbitrary binary and the codec owns their percent
		// decoding, including its lenient fallback.
		if key == "info_hash" {
			ih, err := NewInfoHash(rawValue)
			if err != nil {
				return nil, err
			}
			q.infoHashes = append(q.infoHashes, ih)
			continue
		}

		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, err
		}
		q.params[key] = value
	}

	return q, nil
}

// String returns a string parsed from a query. Every key can be returned as a
// string because they are encoded in the URL as strings.
func (qp *QueryParams) String(key string) (string, bool) {
	value, ok := qp.params[key]
	return value, ok
}

// Uint64 returns a uint parsed from a query. After being called, it is safe
// to cast the uint64 to your desired length.
func (qp *QueryParams) Uint64(key string) (uint64, error) {
	str, exists := qp.params[key]
	if !exists {
		return 0, ErrKeyNotFound
	}

	val, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, err
	}

	return val, nil
}

// InfoHashes returns a list of requested infohashes.
func (qp *QueryParams) InfoHashes() []InfoHash {
	return qp.infoHashes
}

// RawPath returns the raw path from the parsed URL.
func (qp *QueryParams) RawPath() string {
	return qp.path
}

// RawQuery returns the raw query from the parsed URL.
func (qp *QueryParams) RawQuery() string {
	return qp.query
}
