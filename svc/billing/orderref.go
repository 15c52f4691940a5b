package billing

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// OrderRefPrefix marks merchant order numbers issued by this engine.
const OrderRefPrefix = "CB"

// NewOrderRef returns a 20 character alphanumeric order number, which fits
// every supported provider's merchant trade number limit.
func NewOrderRef() string {
	var b [9]byte
	_, _ = rand.Read(b[:])
	return OrderRefPrefix + strings.ToUpper(hex.EncodeToString(b[:]))
}

func isOrderRef(s string) bool {
	return len(s) == 20 && strings.HasPrefix(s, OrderRefPrefix)
}
