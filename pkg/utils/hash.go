package utils

import (
	"encoding/hex"
	"io"

	"golang.org/x/crypto/blake2b"
)

// FingerprintPrefix tags fingerprints with the hash algorithm.
const FingerprintPrefix = "blake2b-256:"

// Fingerprint returns the deterministic content fingerprint of data.
func Fingerprint(data []byte) string {
	sum := blake2b.Sum256(data)
	return FingerprintPrefix + hex.EncodeToString(sum[:])
}

// FingerprintReader hashes r while copying it into dst, returning the fingerprint and byte count.
func FingerprintReader(dst io.Writer, r io.Reader) (string, int64, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(io.MultiWriter(dst, h), r)
	if err != nil {
		return "", n, err
	}
	return FingerprintPrefix + hex.EncodeToString(h.Sum(nil)), n, nil
}
