package dataplane

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/http/httpguts"
)

// MaxHeaderValueLength is the longest caller header value forwarded.
const MaxHeaderValueLength = 8192

// Headers the proxy controls itself or that spoof the caller's origin.
var blockedHeaders = map[string]struct{}{
	"host":             {},
	"authorization":    {},
	"cookie":           {},
	"x-forwarded-for":  {},
	"x-forwarded-host": {},
	"x-real-ip":        {},
	"forwarded":        {},
}

// The only caller headers ever forwarded.
var allowedHeaders = map[string]struct{}{
	"content-type":        {},
	"accept":              {},
	"if-match":            {},
	"if-none-match":       {},
	"x-ms-max-item-count": {},
	"x-ms-continuation":   {},
}

// SanitizeHeaders filters caller headers down to the allow-list. It accepts
// map[string]any (decoded JSON) or map[string]string; any other shape yields
// an empty map. Retained keys keep their original casing. It never fails.
func SanitizeHeaders(headers any) map[string]string {
	out := make(map[string]string)
	switch h := headers.(type) {
	case map[string]any:
		for key, value := range h {
			s, ok := value.(string)
			if !ok {
				continue
			}
			if keepHeader(key, s) {
				out[key] = s
			}
		}
	case map[string]string:
		for key, value := range h {
			if keepHeader(key, value) {
				out[key] = value
			}
		}
	}
	return out
}

func keepHeader(key, value string) bool {
	name := strings.ToLower(key)
	if _, blocked := blockedHeaders[name]; blocked {
		return false
	}
	if _, allowed := allowedHeaders[name]; !allowed {
		return false
	}
	if strings.ContainsAny(value, "\r\n\x00") {
		return false
	}
	if utf8.RuneCountInString(value) > MaxHeaderValueLength {
		return false
	}
	// net/http refuses other control characters at write time.
	return httpguts.ValidHeaderFieldName(key) && httpguts.ValidHeaderFieldValue(value)
}
