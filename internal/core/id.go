package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix marks entity IDs minted by a client while offline. The sync
// manager rewrites them to server-issued IDs during replay.
const TempIDPrefix = "tmp-"

// NewID returns a random 128-bit identifier encoded as lowercase hex.
// Falls back to a timestamp string if the random source fails.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UTC().UnixNano())
}

// NewTempID mints a client-local identifier for an entity created offline.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was minted offline and still needs server
// reconciliation.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewClientID identifies one browser tab / client session for broadcast
// exclusion. Regenerated on every process start; never persisted server-side.
func NewClientID() string {
	return uuid.NewString()
}
