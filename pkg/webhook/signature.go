package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/scalarorg/session-relayer/config"
)

const SIGNATURE_PREFIX = "sha256="

// VerifySignature checks the hex HMAC-SHA256 of the raw body against every secret and
// returns the first secret that matches. Comparison is constant time.
func VerifySignature(raw []byte, header string, secrets []config.WebhookSecret) (*config.WebhookSecret, bool) {
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(strings.ToLower(header), SIGNATURE_PREFIX)
	given, err := hex.DecodeString(strings.TrimPrefix(header, "0x"))
	if err != nil || len(given) != sha256.Size {
		return nil, false
	}
	for i := range secrets {
		if secrets[i].Secret == "" {
			continue
		}
		if hmac.Equal(given, Sign(raw, secrets[i].Secret)) {
			return &secrets[i], true
		}
	}
	return nil, false
}

func Sign(raw []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return mac.Sum(nil)
}

func SignHex(raw []byte, secret string) string {
	return hex.EncodeToString(Sign(raw, secret))
}
