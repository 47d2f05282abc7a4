package licensing

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

// keyEncoding is RFC 4648 base32 without padding: upper-case letters and 2-7 only,
// so keys survive being read aloud or retyped.
var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateKey returns a new license key carrying 128 random bits, e.g.
// WPL-ABCD-EFGH-IJKL-MNOP-QRST-UVWX-YZ.
func GenerateKey(prefix string) (string, error) {
	// 16 bytes => 26 base32 chars, grouped by 4
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	s := keyEncoding.EncodeToString(b)

	parts := make([]string, 0, 8)
	if prefix != "" {
		parts = append(parts, strings.ToUpper(prefix))
	}
	for i := 0; i < len(s); i += 4 {
		end := i + 4
		if end > len(s) {
			end = len(s)
		}
		parts = append(parts, s[i:end])
	}
	return strings.Join(parts, "-"), nil
}
