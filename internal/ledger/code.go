package ledger

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Alphabet without 0/O/1/I so codes survive being read over the phone.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeGroups = 3
const codeGroupLen = 4

// newCode returns a fresh redemption code like "GC-7XKM-2QRP-9WNL".
func newCode() (string, error) {
	raw := make([]byte, codeGroups*codeGroupLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	var b strings.Builder
	b.WriteString("GC")
	for i, c := range raw {
		if i%codeGroupLen == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return b.String(), nil
}

// ValidCode reports whether a caller-supplied code has the issued shape.
// Rejecting junk early keeps garbage out of the locking read path.
func ValidCode(code string) bool {
	parts := strings.Split(code, "-")
	if len(parts) != codeGroups+1 || parts[0] != "GC" {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) != codeGroupLen {
			return false
		}
		for i := 0; i < len(p); i++ {
			if !strings.ContainsRune(codeAlphabet, rune(p[i])) {
				return false
			}
		}
	}
	return true
}
