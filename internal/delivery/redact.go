package delivery

import (
	"net/url"
	"strings"
)

// Redacted replaces sensitive values in operator reports and the audit log.
const Redacted = "[REDACTED]"

// DefaultSensitiveFlags are ffmpeg options whose values carry credentials.
var DefaultSensitiveFlags = []string{
	"-headers",
	"-cookies",
	"-password",
	"-decryption_key",
	"-encryption_key",
	"-cryptokey",
	"-key",
}

// Redact returns a copy of argv with the value after each sensitive flag,
// "-flag=value" values, and URL passwords replaced.
func Redact(argv []string, sensitive []string) []string {
	flags := make(map[string]bool, len(sensitive))
	for _, f := range sensitive {
		flags[f] = true
	}
	out := make([]string, len(argv))
	for i, a := range argv {
		switch {
		case i > 0 && flags[argv[i-1]]:
			out[i] = Redacted
		case strings.HasPrefix(a, "-") && strings.Contains(a, "=") && flags[a[:strings.Index(a, "=")]]:
			out[i] = a[:strings.Index(a, "=")+1] + Redacted
		case strings.Contains(a, "://"):
			out[i] = redactURL(a)
		default:
			out[i] = a
		}
	}
	return out
}

func redactURL(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.User == nil {
		return s
	}
	if _, ok := u.User.Password(); !ok {
		return s
	}
	u.User = url.UserPassword(u.User.Username(), Redacted)
	return strings.Replace(u.String(), url.QueryEscape(Redacted), Redacted, 1)
}
