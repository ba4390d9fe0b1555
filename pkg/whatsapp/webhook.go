package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"whatsauto/pkg/whatsapp/types"
)

// SignatureHeader carries the HMAC-SHA256 of the raw webhook body keyed with
// the app secret.
const SignatureHeader = "X-Hub-Signature-256"

// VerifySignature checks a "sha256=<hex>" signature header against body.
func VerifySignature(body []byte, header, secret string) error {
	if header == "" {
		return fmt.Errorf("missing signature header: %s", SignatureHeader)
	}
	algo, signature, ok := strings.Cut(header, "=")
	if !ok || strings.ToLower(algo) != "sha256" {
		return fmt.Errorf("invalid signature format in header %s", SignatureHeader)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// Sign returns the header value Meta would send for body. Used by tests and
// local tooling.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyChallenge answers the subscription handshake. It returns the
// challenge to echo and whether the request is a valid subscription.
func VerifyChallenge(mode, token, challenge, verifyToken string) (string, bool) {
	if mode != "subscribe" || verifyToken == "" || !hmac.Equal([]byte(token), []byte(verifyToken)) {
		return "", false
	}
	return challenge, true
}

// ParseWebhook decodes a webhook body and returns every message status in
// it, in payload order. Changes without statuses (inbound messages, account
// updates) are skipped.
func ParseWebhook(body []byte) ([]types.Status, error) {
	var payload types.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	if payload.Object != "" && payload.Object != "whatsapp_business_account" {
		return nil, fmt.Errorf("unexpected webhook object %q", payload.Object)
	}

	var statuses []types.Status
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			statuses = append(statuses, change.Value.Statuses...)
		}
	}
	return statuses, nil
}
