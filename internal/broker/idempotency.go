package broker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IdempotencyKey derives the client order id for one intent. The same
// (symbol, side, trading day, intent hash) always yields the same key, so a
// re-run of a tick re-submits under the identical id and the broker dedupes
// it. tradingDay is the exchange-local date, YYYY-MM-DD.
func IdempotencyKey(symbol, side, tradingDay, intentHash string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", symbol, side, tradingDay, intentHash)))
	return "ct-" + hex.EncodeToString(sum[:])[:24]
}
