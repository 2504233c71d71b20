package testutil

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the SHA-256 checksum of data as a lowercase hex string.
// It is computed independently of the digest package so tests can cross-check it.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// RecordDigestHex returns the expected assignment digest: SHA-256 over the
// raw file digest followed by the line.
func RecordDigestHex(content, line []byte) string {
	file := sha256.Sum256(content)
	h := sha256.New()
	h.Write(file[:])
	h.Write(line)
	return hex.EncodeToString(h.Sum(nil))
}
