package b2bua

import (
	"strings"
	"sync"
)

// CallRegistry maps the Replaces identity of each leg of an established
// call to the identity of its peer leg, so a transfer that names one leg
// can be rewritten to name the other.
type CallRegistry struct {
	mu    sync.Mutex
	peers map[string]string
}

// NewCallRegistry creates an empty registry.
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{peers: make(map[string]string)}
}

// Add links the UAS leg identity to the UAC leg identity in both directions.
func (r *CallRegistry) Add(uasKey, uacKey string) {
	r.mu.Lock()
	r.peers[uasKey] = uacKey
	r.peers[uacKey] = uasKey
	r.mu.Unlock()
}

// Lookup returns the peer identity for key.
func (r *CallRegistry) Lookup(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.peers[key]
	return v, ok
}

// Remove deletes both directions of a link.
func (r *CallRegistry) Remove(uasKey, uacKey string) {
	r.mu.Lock()
	delete(r.peers, uasKey)
	delete(r.peers, uacKey)
	r.mu.Unlock()
}

// Len returns the number of stored identities (two per call).
func (r *CallRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// uasReplacesKey is how the caller names the UAS leg in a Replaces value.
func uasReplacesKey(info DialogInfo) string {
	return encodeURIComponent(info.CallID + ";to-tag=" + info.LocalTag + ";from-tag=" + info.RemoteTag)
}

// uacReplacesKey is how the far side names the UAC leg in a Replaces value.
func uacReplacesKey(info DialogInfo) string {
	return encodeURIComponent(info.CallID + ";to-tag=" + info.RemoteTag + ";from-tag=" + info.LocalTag)
}

const upperhex = "0123456789ABCDEF"

// encodeURIComponent percent-encodes every byte outside the unreserved set
// A-Z a-z 0-9 - _ . ! ~ * ' ( ), which is the form Replaces values take
// inside a Refer-To URI.
func encodeURIComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 3 / 2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if uriUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func uriUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
