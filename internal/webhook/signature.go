package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"templateshop.app/api/internal/config"
	"templateshop.app/api/internal/logger"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

// Verify reports whether signatureHeader is the hex HMAC-SHA256 of rawBody
// under secret. An empty secret or header never verifies.
func Verify(rawBody []byte, signatureHeader, secret string) bool {
	if secret == "" || signatureHeader == "" {
		return false
	}

	provided, err := hex.DecodeString(strings.TrimSpace(signatureHeader))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), provided)
}

type VerifierOptions struct {
	// AllowUnsigned accepts every delivery when no secret is configured.
	// It has no effect in production or once a secret is set.
	AllowUnsigned bool
	Environment   string
}

type Verifier struct {
	secret string
	bypass bool
	log    *logger.Logger
}

func NewVerifier(secret string, opts VerifierOptions) *Verifier {
	return &Verifier{
		secret: secret,
		bypass: secret == "" && opts.AllowUnsigned && opts.Environment != config.EnvProduction,
		log:    logger.With(logger.Fields{"component": "signature"}),
	}
}

// Bypassing reports whether deliveries are accepted without verification.
func (v *Verifier) Bypassing() bool {
	return v.bypass
}

func (v *Verifier) Verify(rawBody []byte, signatureHeader string) bool {
	if v.bypass {
		v.log.Warn("Webhook signature verification bypassed: no secret configured", logger.Fields{
			"body_bytes": len(rawBody),
		})
		return true
	}
	if v.secret == "" {
		v.log.Error("Webhook rejected: no signing secret configured")
		return false
	}
	return Verify(rawBody, signatureHeader, v.secret)
}
