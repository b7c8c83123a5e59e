package sync

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Room codes are 6-character uppercase alphanumerics, short enough to read
// over the phone. Collision probability across a handful of households is
// accepted as negligible and not checked.
const (
	roomCodeLength  = 6
	roomCodeCharset = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

// GenerateRoomCode returns a fresh household code.
func GenerateRoomCode() (string, error) {
	buf := make([]byte, roomCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate room code: %w", err)
	}
	code := make([]byte, roomCodeLength)
	for i, b := range buf {
		code[i] = roomCodeCharset[int(b)%len(roomCodeCharset)]
	}
	return string(code), nil
}

// NormalizeRoomCode uppercases and trims a user-entered code.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateRoomCode checks the human-shareable code format.
func ValidateRoomCode(code string) error {
	code = NormalizeRoomCode(code)
	if len(code) != roomCodeLength {
		return fmt.Errorf("room code must be %d characters", roomCodeLength)
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fmt.Errorf("room code may only contain letters and digits")
		}
	}
	return nil
}
