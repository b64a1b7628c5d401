package security

import (
	"regexp"
	"strings"
)

var (
	secretKeyExpr        = `(?:password|passwd|pwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemBlockPattern      = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	urlCredentialPattern = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^\s/@:]+:[^\s/@]+@`)
	secretFlagPattern    = regexp.MustCompile(`(?i)^--?` + secretKeyExpr + `$`)
)

// RedactPayload masks secrets in free text such as notification payloads and
// log details.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"[REDACTED]"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + "[REDACTED]"
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	out = urlCredentialPattern.ReplaceAllString(out, `${1}[REDACTED]@`)
	return out
}

// RedactCommand renders a validated argv for the audit trail. Values following
// secret-looking flags (--password x, -token y) are masked in addition to the
// inline forms handled by RedactPayload.
func RedactCommand(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	out := make([]string, 0, len(argv))
	maskNext := false
	for _, arg := range argv {
		if maskNext {
			out = append(out, "[REDACTED]")
			maskNext = false
			continue
		}
		if secretFlagPattern.MatchString(arg) {
			maskNext = true
		}
		out = append(out, RedactPayload(arg))
	}
	return strings.Join(out, " ")
}
