// Package auth implements the flat pre-shared API key check used by both
// the WebSocket handshake and the control API.
package auth

import "net/http"

// Keyring is the set of accepted API keys.
type Keyring struct {
	keys map[string]struct{}
}

// NewKeyring builds a keyring from the configured key list. Empty entries
// are ignored so a trailing comma in the env var is harmless.
func NewKeyring(keys []string) *Keyring {
	k := &Keyring{keys: make(map[string]struct{}, len(keys))}
	for _, key := range keys {
		if key != "" {
			k.keys[key] = struct{}{}
		}
	}
	return k
}

// Valid reports whether key is an accepted, non-empty API key.
func (k *Keyring) Valid(key string) bool {
	if key == "" {
		return false
	}
	_, ok := k.keys[key]
	return ok
}

// FromRequest extracts the API key from the X-API-Key header or the
// api_key query parameter, header first.
func FromRequest(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
