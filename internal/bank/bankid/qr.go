package bankid

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// QRPayload computes the animated QR string for an order. The payload
// rotates with the whole number of seconds elapsed since the order was
// created; the auth code is the hex HMAC-SHA256 of that number keyed with
// the order's QR start secret.
func QRPayload(qrStartToken, qrStartSecret string, seconds int64) string {
	mac := hmac.New(sha256.New, []byte(qrStartSecret))
	fmt.Fprintf(mac, "%d", seconds)
	return fmt.Sprintf("bankid.%s.%d.%s", qrStartToken, seconds, hex.EncodeToString(mac.Sum(nil)))
}
