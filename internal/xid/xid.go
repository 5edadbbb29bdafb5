package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// Folio derives the short human-facing order number shown on receipts and
// the order board: the first five characters of the id's random segment,
// uppercased. Deterministic for a given id.
func Folio(id string) string {
	segment := id
	if idx := strings.LastIndex(id, "-"); idx >= 0 && idx+1 < len(id) {
		segment = id[idx+1:]
	}
	if len(segment) > 5 {
		segment = segment[:5]
	}
	return strings.ToUpper(segment)
}
