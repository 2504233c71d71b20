// Package digest computes the content addresses used as primary keys.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
)

// Size is the length of a Digest in bytes.
const Size = sha256.Size

// Digest is a SHA-256 hash.
type Digest [Size]byte

// Sum returns the SHA-256 of b.
func Sum(b []byte) Digest {
	return sha256.Sum256(b)
}

// Hex returns d as 64 lowercase hex characters.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// String implements fmt.Stringer.
func (d Digest) String() string { return d.Hex() }

// File returns the identity of a whole document: the hash of its raw bytes.
func File(content []byte) Digest {
	return Sum(content)
}

// Assignment returns the identity of one entry line within a document.
// The hash input is the 32 file digest bytes followed by the line bytes.
// Changing that order changes every stored digest.
func Assignment(file Digest, line []byte) Digest {
	h := sha256.New()
	h.Write(file[:])
	h.Write(line)

	var d Digest
	h.Sum(d[:0])
	return d
}
