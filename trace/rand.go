package trace

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	fallbackMu   sync.Mutex
	fallbackRand = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := crand.Read(b); err != nil {
		// fallback to the seeded generator
		fallbackFill(b)
	}
	return hex.EncodeToString(b)
}

func fallbackFill(b []byte) {
	fallbackMu.Lock()
	defer fallbackMu.Unlock()
	for i := range b {
		b[i] = byte(fallbackRand.Intn(256))
	}
}

// NewTraceID generates a globally correlatable trace identifier of the form
// 1-<epoch seconds hex>-<24 hex chars>.
func NewTraceID() string {
	return fmt.Sprintf("1-%08x-%s", time.Now().Unix(), randomHex(12))
}

// NewSegmentID generates a 16 hex character segment identifier.
func NewSegmentID() string {
	return randomHex(8)
}
