package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
)

// VerifySignature checks the X-Hub-Signature-256 header against the raw
// request body. With no secret configured the check fails closed in
// production and is skipped with a warning in development, so local
// testing works without Meta-signed requests but a misconfigured
// deployment never accepts forged ones.
func VerifySignature(body []byte, signature, appSecret string, production bool, logger *slog.Logger) bool {
	if appSecret == "" {
		if production {
			logger.Error("app secret not configured, rejecting webhook delivery")
			return false
		}
		logger.Warn("app secret not configured, skipping signature verification")
		return true
	}

	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	expected := signature[len("sha256="):]

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(computed))
}
