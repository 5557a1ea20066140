// Package bencode implements bencoding of objects as defined in BEP 3 using
// type assertion over reflection for efficiency.
//
// Tracker responses care about key order: the encoder preserves the insertion
// order of Dict keys so that responses are byte-stable.
package bencode

// Dict represents a bencode dictionary whose keys keep their insertion order.
type Dict struct {
	keys   []string
	values map[string]interface{}
}

// NewDict allocates an empty Dict.
func NewDict() *Dict {
	return &Dict{values: make(map[string]interface{})}
}

// Set stores v under key, appending the key on first use and keeping its
// original position on overwrite. It returns the Dict for chaining.
func (d *Dict) Set(key string, v interface{}) *Dict {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = v
	return d
}

// Get returns the value stored under key.
func (d *Dict) Get(key string) (interface{}, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Len returns the number of keys in the Dict.
func (d *Dict) Len() int {
	return len(d.keys)
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []string {
	return d.keys
}
