package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// Signature computes the X-Twilio-Signature of a form POST to fullURL:
// base64(HMAC-SHA1(authToken, fullURL + sorted key/value concatenation)).
func Signature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateRequest checks the signature of a parsed form request. publicURL
// is the scheme and host Twilio used to reach the gateway, e.g.
// "https://gw.example.com"; the request URI is appended to it.
func ValidateRequest(r *http.Request, authToken, publicURL string) bool {
	got := r.Header.Get(SignatureHeader)
	if got == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	full := strings.TrimRight(publicURL, "/") + r.URL.RequestURI()
	want := Signature(authToken, full, r.PostForm)
	return hmac.Equal([]byte(got), []byte(want))
}
