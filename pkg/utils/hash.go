package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// Checksum returns the hex encoded SHA-256 digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether data matches the expected digest.
func VerifyChecksum(data []byte, expected string) bool {
	return Checksum(data) == expected
}
