package mpesa

import (
	"encoding/base64"
	"time"
)

// GeneratePassword derives the Lipa Na M-Pesa password for a request
// made at the given instant: base64(shortcode + passkey + timestamp)
// with a 14-digit YYYYMMDDHHMMSS timestamp. The returned timestamp must
// be sent verbatim in the same payload — the provider recomputes the
// password from it and rejects mismatches.
func GeneratePassword(shortCode, passkey string, now time.Time) (password, timestamp string, err error) {
	if shortCode == "" || passkey == "" {
		return "", "", ErrMissingCredentials
	}
	timestamp = now.Format("20060102150405")
	password = base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
	return password, timestamp, nil
}
