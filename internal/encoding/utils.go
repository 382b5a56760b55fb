package encoding

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidVector is returned when a vector is invalid
var ErrInvalidVector = errors.New("invalid vector")

// EncodeVector converts a float32 slice to bytes using little-endian encoding.
// The length is written first so truncated blobs are detectable on read.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, ErrInvalidVector
	}

	buf := new(bytes.Buffer)

	vectorLen := len(vector)
	if vectorLen > math.MaxInt32 {
		return nil, fmt.Errorf("vector too large: %d elements exceeds maximum", vectorLen)
	}
	if err := binary.Write(buf, binary.LittleEndian, int32(vectorLen)); err != nil {
		return nil, fmt.Errorf("failed to encode vector length: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("failed to encode vector values: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeVector converts bytes back to a float32 slice using little-endian encoding.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, ErrInvalidVector
	}

	buf := bytes.NewReader(data)

	var length int32
	if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to decode vector length: %w", err)
	}

	if length < 0 {
		return nil, ErrInvalidVector
	}
	if length == 0 {
		return []float32{}, nil
	}

	expectedBytes := int(length) * 4 // 4 bytes per float32
	if buf.Len() < expectedBytes {
		return nil, ErrInvalidVector
	}

	vector := make([]float32, length)
	if err := binary.Read(buf, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("failed to decode vector values: %w", err)
	}

	return vector, nil
}

// ValidateVector rejects nil, empty, NaN and infinite vectors.
func ValidateVector(vector []float32) error {
	if len(vector) == 0 {
		return ErrInvalidVector
	}

	for _, val := range vector {
		if val != val { // NaN check
			return ErrInvalidVector
		}
		if math.IsInf(float64(val), 0) {
			return ErrInvalidVector
		}
	}

	return nil
}

// NormalizeContent canonicalizes text before hashing or embedding:
// leading/trailing whitespace trimmed, ASCII letters lowercased, internal
// whitespace runs collapsed to a single space. Unicode normalization is
// deliberately not applied.
func NormalizeContent(s string) string {
	s = strings.TrimSpace(s)

	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\v', '\f':
			inSpace = true
		default:
			if inSpace {
				b.WriteByte(' ')
				inSpace = false
			}
			if r >= 'A' && r <= 'Z' {
				r += 'a' - 'A'
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ContentHash returns the full hex SHA-256 of the (already normalized) content.
func ContentHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ContentHashPrefix returns the first 16 hex characters of the SHA-256,
// the addressable prefix used in content-hash tags.
func ContentHashPrefix(normalized string) string {
	return ContentHash(normalized)[:16]
}
