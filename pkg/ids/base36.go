// Package ids implements the base-36 key generator used throughout the
// engine for node-ids, copy-ids, txn-ids, string-ids and rep-ids.
//
// Keys are rendered little-endian in the sense described by the external
// interface: the key after "z" is "10", after "zz" is "100". This lets the
// generator live entirely in one place instead of being reimplemented by
// every table that needs a fresh id.
package ids

import "fmt"

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// First is the initial key any "next-key" counter starts from.
const First = "0"

// Next returns the base-36 successor of key. It panics if key contains a
// character outside the base-36 alphabet, since that indicates a corrupted
// "next-key" record rather than a recoverable runtime condition.
func Next(key string) string {
	for i := 0; i < len(key); i++ {
		if indexOf(key[i]) < 0 {
			panic(fmt.Sprintf("ids: corrupt next-key value %q", key))
		}
	}
	digits := []byte(key)
	for i := len(digits) - 1; i >= 0; i-- {
		idx := indexOf(digits[i])
		if idx+1 < len(alphabet) {
			digits[i] = alphabet[idx+1]
			return string(digits)
		}
		digits[i] = alphabet[0]
	}
	return "1" + string(digits)
}

func indexOf(c byte) int {
	for i := 0; i < len(alphabet); i++ {
		if alphabet[i] == c {
			return i
		}
	}
	return -1
}

// Less reports whether a was generated before b by this generator, i.e.
// whether a is numerically smaller when read as a base-36 integer. Shorter
// strings are always smaller; equal-length strings compare lexically,
// since the alphabet is in ascending numeric order.
func Less(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
