// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package identity implements canonical topological Merkle hashing.
//
// Every structural unit in the lattice is identified by a 32-byte digest of
// a byte tree built from its content:
//
//	Hash(Origin)     = SHA256(0x00)
//	Hash(Dyad(L, R)) = SHA256(0x01 || Hash(L) || Hash(R))
//
// A string is encoded as a cons-list of byte trees; each byte is an 8-deep
// binary tree over its bits, LSB first (bit 0 = Origin, bit 1 =
// Dyad(Origin, Origin)). The encoding is order-sensitive: "ab" and "ba"
// produce unrelated digests.
//
// Truncated forms (hash16, hash8) are addresses, never proofs of identity:
// distinct canonical digests may share a truncation, and every consumer of a
// truncated address must handle collisions explicitly.
//
// All hex values produced by this package are lowercase with no prefix, as
// required at every process and network boundary.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Size32 is the canonical digest length in bytes.
const Size32 = sha256.Size

// hashOrigin is Hash(Origin), computed once.
var hashOrigin [Size32]byte

// byteTree caches the tree hash for each of the 256 byte values.
var byteTree [256][Size32]byte

func init() {
	hashOrigin = sha256.Sum256([]byte{0x00})
	one := hashDyad(hashOrigin, hashOrigin)
	for b := 0; b < 256; b++ {
		chain := hashOrigin
		for i := 0; i < 8; i++ {
			bit := (b >> i) & 1
			if bit == 0 {
				chain = hashDyad(hashOrigin, chain)
			} else {
				chain = hashDyad(one, chain)
			}
		}
		byteTree[b] = chain
	}
}

func hashDyad(left, right [Size32]byte) [Size32]byte {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write(left[:])
	h.Write(right[:])
	var out [Size32]byte
	h.Sum(out[:0])
	return out
}

// Hash32 returns the canonical 32-byte topological Merkle digest of s.
//
// The same input always yields the same digest, independent of store layout,
// compression, or truncation depth (Identity invariant).
func Hash32(s string) [Size32]byte {
	raw := []byte(s)
	chain := hashOrigin
	for i := len(raw) - 1; i >= 0; i-- {
		chain = hashDyad(byteTree[raw[i]], chain)
	}
	return chain
}

// Hash32Hex returns the canonical digest of s as 64 lowercase hex chars.
func Hash32Hex(s string) string {
	h := Hash32(s)
	return hex.EncodeToString(h[:])
}

// Truncate returns the first n bytes of h as lowercase hex.
//
// The result is a lookup address only. It panics if n is out of range,
// since a wrong truncation depth is a programming error, not input.
func Truncate(h [Size32]byte, n int) string {
	if n < 1 || n > Size32 {
		panic(fmt.Sprintf("identity: truncation depth %d out of range [1,%d]", n, Size32))
	}
	return hex.EncodeToString(h[:n])
}

// Hash16Hex returns the 16-byte address of s (32 hex chars).
func Hash16Hex(s string) string {
	h := Hash32(s)
	return Truncate(h, 16)
}

// Hash8Hex returns the 8-byte address of s (16 hex chars).
func Hash8Hex(s string) string {
	h := Hash32(s)
	return Truncate(h, 8)
}

// Hash8Len and Hash16Len are the fixed hex widths used on the wire.
const (
	Hash8Len  = 16
	Hash16Len = 32
	Hash32Len = 64
)

// BondID returns the edge identity for (src, rel, tgt): the first 8 bytes of
// SHA256(src:rel:tgt) as 16 hex chars. Order matters.
func BondID(src, tgt, rel string) string {
	sum := sha256.Sum256([]byte(src + ":" + rel + ":" + tgt))
	return hex.EncodeToString(sum[:8])
}

// ValidHex reports whether s is a lowercase hex string of exactly width
// characters. Uppercase hex is rejected: the wire format is lowercase only.
func ValidHex(s string, width int) bool {
	if len(s) != width {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
