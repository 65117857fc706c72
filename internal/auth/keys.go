// Package auth validates presented API keys.
package auth

import "crypto/subtle"

// Keys is an immutable set of accepted API keys.
type Keys struct {
	keys [][]byte
}

// NewKeys builds a key set. Empty keys are ignored.
func NewKeys(keys []string) Keys {
	k := Keys{keys: make([][]byte, 0, len(keys))}
	for _, key := range keys {
		if key == "" {
			continue
		}
		k.keys = append(k.keys, []byte(key))
	}
	return k
}

// Valid reports whether key is one of the accepted keys. Every configured
// key is compared in constant time so the result does not leak which key
// came close.
func (k Keys) Valid(key string) bool {
	if key == "" {
		return false
	}
	presented := []byte(key)
	match := 0
	for _, candidate := range k.keys {
		match |= subtle.ConstantTimeCompare(presented, candidate)
	}
	return match == 1
}

// Len returns the number of configured keys.
func (k Keys) Len() int {
	return len(k.keys)
}
