package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/eddiefleurent/tradecore/internal/models"
)

// ClientOrderID derives the deterministic 16-hex-character client order id
// from the signal's identity. The side is trimmed and lowercased before
// hashing so casing can never produce two ids for the same decision; the
// timestamp is rendered in UTC so the id is host-independent.
func ClientOrderID(strategy, symbol, timeframe string, signalTS time.Time, side models.Side) string {
	input := fmt.Sprintf("%s:%s:%s:%s:%s",
		strategy, symbol, timeframe, signalTS.UTC().Format(time.RFC3339), string(side.Normalize()))
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}
