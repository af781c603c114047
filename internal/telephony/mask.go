package telephony

import (
	"regexp"
	"strings"
)

// MaskPhone keeps the leading three characters and the last four digits.
// Anything too short to mask safely is fully redacted.
func MaskPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	r := []rune(phone)
	if len(r) <= 7 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:3]) + strings.Repeat("*", len(r)-7) + string(r[len(r)-4:])
}

var phoneRun = regexp.MustCompile(`\+?\d[\d\s().-]{6,}\d`)

// Redact masks every phone number in s. Known numbers are replaced first,
// then any remaining run of nine or more digits is masked.
func Redact(s string, known ...string) string {
	for _, k := range known {
		k = strings.TrimSpace(k)
		if k != "" {
			s = strings.ReplaceAll(s, k, MaskPhone(k))
		}
	}
	return phoneRun.ReplaceAllStringFunc(s, func(run string) string {
		digits := 0
		for _, r := range run {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < 9 {
			return run
		}
		return MaskPhone(run)
	})
}
