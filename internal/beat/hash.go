package beat

import (
	"strconv"
	"unicode/utf16"
)

// Hash computes the DJB2 hash of path over its UTF-16 code units, reduced to
// unsigned 32 bits.
func Hash(path string) uint32 {
	h := uint32(5381)
	for _, c := range utf16.Encode([]rune(path)) {
		h = h*33 + uint32(c)
	}
	return h
}

// HashToken returns the base-36 page token for path, truncated by path
// length: 3 characters up to 7 code units, 4 up to 14, 5 beyond.
func HashToken(path string) string {
	token := strconv.FormatUint(uint64(Hash(path)), 36)
	if n := tokenLength(len(utf16.Encode([]rune(path)))); len(token) > n {
		token = token[:n]
	}
	return token
}

func tokenLength(pathLen int) int {
	switch {
	case pathLen <= 7:
		return 3
	case pathLen <= 14:
		return 4
	default:
		return 5
	}
}
