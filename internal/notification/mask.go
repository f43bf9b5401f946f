package notification

import "strings"

// MaskEmail hides the middle of the local part for logs:
// example@domain.com -> e***e@domain.com
func MaskEmail(email string) string {
	if email == "" {
		return "unknown"
	}
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return "invalid-email"
	}
	local, domain := email[:at], email[at:]
	if len(local) <= 2 {
		return "*" + domain
	}
	return local[:1] + "***" + local[len(local)-1:] + domain
}

func maskEmails(addrs []string) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = MaskEmail(a)
	}
	return out
}
