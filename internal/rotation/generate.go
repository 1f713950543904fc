// Package rotation generates fresh secret material for adapters that rotate
// broker-side rather than vendor-side.
package rotation

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// rotationAlphabet avoids characters that commonly need shell or URL
// escaping so generated credentials paste cleanly everywhere.
const rotationAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultRotationLength is the generated credential length adapters use when
// rotating.
const DefaultRotationLength = 32

// GenerateValue produces a cryptographically random credential of n
// characters.
func GenerateValue(n int) (string, error) {
	if n <= 0 {
		n = DefaultRotationLength
	}
	out := make([]byte, n)
	max := big.NewInt(int64(len(rotationAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate rotation value: %w", err)
		}
		out[i] = rotationAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// RotateFields returns a copy of fields with every value replaced by fresh
// random material. Field names are preserved so consumers keep their keys.
func RotateFields(fields map[string]string) (map[string]string, error) {
	rotated := make(map[string]string, len(fields))
	for k := range fields {
		v, err := GenerateValue(DefaultRotationLength)
		if err != nil {
			return nil, err
		}
		rotated[k] = v
	}
	return rotated, nil
}
