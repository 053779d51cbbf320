package keygen

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderID returns a locally unique order id: millisecond timestamp plus a
// random suffix. No shared counter, safe across concurrent callers.
func OrderID() string {
	return fmt.Sprintf("ORD-%d-%s", time.Now().UnixMilli(), randomSuffix(8))
}

// SignalKey derives an idempotency key for a signal that arrived without
// one. Keys embed the symbol so audit trails stay readable.
func SignalKey(symbol string, at time.Time) string {
	return fmt.Sprintf("%s_%d_%s", strings.ToUpper(symbol), at.Unix(), randomSuffix(6))
}

func randomSuffix(n int) string {
	s := strings.ReplaceAll(uuid.New().String(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}
