package privacy

import (
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"fogsync/internal/constants"
)

// MaskToken hides a credential, keeping only its last few characters.
// Example: "eyJhbGciOi...XyZ9" -> "***********XyZ9"
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	// Short secrets are hidden entirely.
	if len(token) <= 2*constants.DefaultTokenMaskLength {
		return strings.Repeat("*", len(token))
	}
	return maskString(token, constants.DefaultTokenMaskLength)
}

// MaskID masks a user, visitor or agent identifier while keeping its kind
// prefix readable for debugging.
// Example: "a1234567890123" -> "a*****67890123"
func MaskID(id string) string {
	if len(id) <= constants.DefaultIDMaskLength {
		return maskString(id, len(id)/2)
	}
	return id[:1] + maskString(id[1:], constants.DefaultIDMaskLength)
}

// MaskEmail keeps the domain and the first character of the local part.
// Example: "jane.doe@example.com" -> "j*******@example.com"
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return maskString(email, 0)
	}
	local := email[:at]
	return local[:1] + strings.Repeat("*", len(local)-1) + email[at:]
}

// MaskURL strips credentials and query strings from a URL.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return maskString(raw, 0)
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	if u.RawQuery != "" {
		u.RawQuery = "***"
	}
	return u.String()
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields logrus.Fields) logrus.Fields {
	if fields == nil {
		return nil
	}

	masked := make(logrus.Fields, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "token", "visitor_token", "user_jwt", "user_hmac", "user_paseto", "api_token", "cookie":
			masked[k] = MaskToken(s)
		case "user_id", "visitor_key", "agent_id", "customer_id":
			masked[k] = MaskID(s)
		case "email", "user_email":
			masked[k] = MaskEmail(s)
		case "url", "origin":
			masked[k] = MaskURL(s)
		default:
			masked[k] = v
		}
	}
	return masked
}
