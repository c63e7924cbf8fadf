package code

import (
	"net/url"
	"strings"
)

// Length is the number of digits in a recharge code.
const Length = 16

// FilterDigits returns the ASCII digits of raw in their original order.
func FilterDigits(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] >= '0' && raw[i] <= '9' {
			b.WriteByte(raw[i])
		}
	}
	return b.String()
}

// Normalize extracts a recharge code from recognized text.
// It returns the digits and true only when exactly Length digits remain
// after filtering; any other count is no match.
func Normalize(raw string) (string, bool) {
	digits := FilterDigits(raw)
	if len(digits) != Length {
		return "", false
	}
	return digits, true
}

// Template wraps a code into the string handed to the dialer.
type Template struct {
	Prefix string `yaml:"prefix"`
	Suffix string `yaml:"suffix"`
}

// DefaultTemplate is the USSD recharge sequence *662*<code>#.
var DefaultTemplate = Template{Prefix: "*662*", Suffix: "#"}

// Format returns the plain dial string, e.g. *662*1234567890123456#.
func (t Template) Format(code string) string {
	return t.Prefix + code + t.Suffix
}

// URI returns the tel: URI for the code. The suffix is escaped so that a
// trailing '#' survives as %23 instead of being read as a fragment.
func (t Template) URI(code string) string {
	return "tel:" + t.Prefix + code + url.PathEscape(t.Suffix)
}
