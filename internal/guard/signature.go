package guard

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderHubSig256 = "X-Hub-Signature-256"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// signatureHeaders returns the headers consulted for vendor, most specific last.
func signatureHeaders(vendor string) []string {
	headers := []string{HeaderSignature, HeaderHubSig256}
	switch vendor {
	case "librenms":
		headers = append(headers, "X-LibreNMS-Signature")
	case "zabbix":
		headers = append(headers, "X-Zabbix-Signature")
	}
	return append(headers, "X-Signature")
}

func extractSignature(vendor string, h http.Header) string {
	for _, name := range signatureHeaders(vendor) {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			continue
		}
		return strings.TrimPrefix(v, "sha256=")
	}
	return ""
}

// Sign computes the hex HMAC-SHA256 the way senders are expected to:
// over "timestamp.body" when a timestamp is supplied, otherwise over body.
func Sign(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	if timestamp != "" {
		mac.Write([]byte(timestamp))
		mac.Write([]byte("."))
	}
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signatureMatches(secret, timestamp string, body []byte, provided string) bool {
	got, err := hex.DecodeString(strings.ToLower(provided))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, timestamp, body))
	return hmac.Equal(got, want)
}

// ParseTimestamp accepts unix seconds, unix milliseconds or RFC 3339.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if len(raw) >= 13 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
