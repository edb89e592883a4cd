package game

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

const maxNameLength = 32

// NormalizeName brings a submitted player name into canonical form: NFC
// normalization, trimmed whitespace, control characters stripped, and a
// length cap so one client cannot bloat every snapshot.
func NormalizeName(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if len(name) > maxNameLength {
		runes := []rune(name)
		if len(runes) > maxNameLength {
			runes = runes[:maxNameLength]
		}
		name = string(runes)
	}
	return name
}
