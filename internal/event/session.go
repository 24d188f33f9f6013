package event

import (
	"strings"
	"unicode"
)

// CloseMissingSessionID is the WebSocket close code the relay sends when a
// connection's target carries no usable session id. Clients must not retry
// after receiving it.
const CloseMissingSessionID = 4400

// ValidSessionID reports whether id can name a relay channel.
func ValidSessionID(id string) bool {
	if id == "" || strings.ContainsRune(id, '/') {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
