package localfs

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// maxNameBytes keeps a single path segment under the 255-byte limit shared
// by ext4, APFS and NTFS, leaving room for a collision suffix.
const maxNameBytes = 240

// invalidChars are rejected in file names on Windows; '/' is also the path
// separator everywhere else.
const invalidChars = `<>:"/\|?*`

// reservedNames cannot be used as a file name stem on Windows.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// Sanitize maps a remote display name to a file name that is valid on
// Windows, macOS and Linux. Characters invalid on Windows, control
// characters and emoji are dropped, the result is NFC-normalized, and a
// Windows reserved name gets a trailing underscore. An empty result becomes
// "untitled".
func Sanitize(name string) string {
	var b strings.Builder

	for _, r := range norm.NFC.String(name) {
		switch {
		case strings.ContainsRune(invalidChars, r):
		case unicode.IsControl(r):
		case isEmoji(r):
		default:
			b.WriteRune(r)
		}
	}

	// Windows silently strips trailing dots and spaces.
	out := strings.TrimRight(strings.TrimSpace(b.String()), ". ")

	if out == "" {
		return "untitled"
	}

	stem := out
	if i := strings.IndexByte(stem, '.'); i > 0 {
		stem = stem[:i]
	}

	if reservedNames[strings.ToLower(stem)] {
		out = stem + "_" + out[len(stem):]
	}

	return truncate(out)
}

// isEmoji reports whether r falls in the pictograph, emoticon, transport,
// flag, dingbat or variation-selector blocks.
func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r == 0xFE0F || r == 0x200D:
		return true
	default:
		return false
	}
}

// truncate shortens name to maxNameBytes on a rune boundary, keeping the
// extension.
func truncate(name string) string {
	if len(name) <= maxNameBytes {
		return name
	}

	ext := ""
	if i := strings.LastIndexByte(name, '.'); i > 0 && len(name)-i <= 16 {
		ext = name[i:]
	}

	stem := name[:len(name)-len(ext)]
	limit := maxNameBytes - len(ext)

	for limit > 0 && !utf8.RuneStart(stem[limit]) {
		limit--
	}

	return stem[:limit] + ext
}
