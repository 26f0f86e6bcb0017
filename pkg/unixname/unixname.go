// Package unixname converts page titles into platform unix names, the
// lowercase slugs used in page URLs ("Some Page" becomes "some-page").
package unixname

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// letters without a canonical decomposition into ASCII
var special = strings.NewReplacer(
	"ß", "ss",
	"æ", "ae",
	"œ", "oe",
	"ø", "o",
	"đ", "d",
	"ð", "d",
	"ħ", "h",
	"ı", "i",
	"ĸ", "k",
	"ł", "l",
	"ŋ", "n",
	"ŧ", "t",
	"þ", "th",
)

// ToUnix returns the unix name for s. The result only contains a-z, 0-9,
// '-', ':' and '_', never starts or ends with '-' or ':', and has no runs
// of '-' or ':'. A leading '_' (hidden pages) and '_' directly
// after a category colon are kept.
func ToUnix(s string) string {
	s = transliterate(cases.Lower(language.Und).String(s))

	b := []byte(s)
	for i, c := range b {
		if !allowed(c) {
			b[i] = '-'
		}
	}
	s = string(b)

	if strings.HasPrefix(s, "_") {
		s = ":" + s
	}
	s = dashUnderscores(s)

	s = strings.Trim(s, "-")
	s = collapse(s, '-')
	s = collapse(s, ':')

	s = strings.ReplaceAll(s, ":-", ":")
	s = strings.ReplaceAll(s, "-:", ":")
	s = strings.ReplaceAll(s, "_-", "_")
	s = strings.ReplaceAll(s, "-_", "_")

	s = strings.TrimPrefix(s, ":")
	s = strings.TrimSuffix(s, ":")
	return s
}

// transliterate folds s to ASCII where a Latin equivalent exists. Runes
// without one are left for the caller to replace.
func transliterate(s string) string {
	s = special.Replace(s)
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func allowed(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == ':' || c == '_'
}

// dashUnderscores turns every '_' not directly preceded by ':' into '-'.
func dashUnderscores(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c == '_' && (i == 0 || s[i-1] != ':') {
			b[i] = '-'
		}
	}
	return string(b)
}

// collapse squeezes runs of sep into a single sep.
func collapse(s string, sep byte) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == sep && i > 0 && s[i-1] == sep {
			continue
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
