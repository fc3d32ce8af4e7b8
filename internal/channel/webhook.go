package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// VerifySubscription answers the Graph API webhook handshake: a GET with
// hub.mode=subscribe and a matching hub.verify_token is echoed the
// hub.challenge. It reports whether the handshake succeeded.
func VerifySubscription(w http.ResponseWriter, r *http.Request, verifyToken string) bool {
	q := r.URL.Query()
	if verifyToken == "" || q.Get("hub.mode") != "subscribe" ||
		!hmac.Equal([]byte(q.Get("hub.verify_token")), []byte(verifyToken)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
	return true
}

// ValidGraphSignature checks the X-Hub-Signature-256 header of a Graph API
// webhook body against appSecret.
func ValidGraphSignature(body []byte, header, appSecret string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok || appSecret == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
