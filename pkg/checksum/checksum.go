// Package checksum computes SHA-256 digests used to fingerprint configuration the server
// loads at startup, so operators can confirm that every replica runs the same plan table.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// ShortLength is the number of hex characters kept by Short
const ShortLength = 12

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// JSON returns the SHA256 checksum of v's JSON encoding. Callers pass values with a
// deterministic encoding (structs and slices, or maps, whose keys encoding/json sorts).
func JSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode value for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Short truncates a hex digest for display
func Short(digest string) string {
	if len(digest) <= ShortLength {
		return digest
	}
	return digest[:ShortLength]
}
