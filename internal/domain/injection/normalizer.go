package injection

import (
	"strings"
	"unicode"
)

// Obfuscation technique labels reported on normalized-pass findings.
const (
	TechniqueFullwidth = "fullwidth_fold"
	TechniqueHomoglyph = "homoglyph_fold"
	TechniqueZeroWidth = "zero_width_strip"
	TechniqueCombining = "combining_strip"
	TechniqueNoBreak   = "nbsp_fold"
)

// homoglyphs maps common Cyrillic and Greek lookalikes to their ASCII
// counterparts. Attackers swap these in to slip past naive keyword filters.
var homoglyphs = map[rune]rune{
	// Cyrillic lowercase
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'х': 'x',
	'і': 'i', 'ѕ': 's', 'у': 'y', 'ј': 'j', 'ԁ': 'd', 'ԛ': 'q',
	// Cyrillic uppercase
	'А': 'A', 'В': 'B', 'Е': 'E', 'К': 'K', 'М': 'M', 'Н': 'H',
	'О': 'O', 'Р': 'P', 'С': 'C', 'Т': 'T', 'Х': 'X', 'І': 'I',
	'Ѕ': 'S', 'Ј': 'J',
	// Greek
	'α': 'a', 'ε': 'e', 'ι': 'i', 'ν': 'v', 'ο': 'o', 'ρ': 'p',
	'τ': 't', 'υ': 'u', 'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Ζ': 'Z',
	'Η': 'H', 'Ι': 'I', 'Κ': 'K', 'Μ': 'M', 'Ν': 'N', 'Ο': 'O',
	'Ρ': 'P', 'Τ': 'T', 'Υ': 'Y', 'Χ': 'X',
}

// zeroWidth runes carry no glyph and exist in adversarial input only to
// split keywords apart.
var zeroWidth = map[rune]bool{
	'​': true, // zero width space
	'‌': true, // zero width non-joiner
	'‍': true, // zero width joiner
	'⁠': true, // word joiner
	'\ufeff': true, // byte order mark
}

// Normalize folds obfuscated text into a canonical lowercase form and
// reports which techniques were undone. The returned technique list is
// empty when the input was already canonical ASCII apart from case.
func Normalize(s string) (string, []string) {
	var (
		b          strings.Builder
		techniques []string
		applied    = map[string]bool{}
	)
	b.Grow(len(s))

	note := func(t string) {
		if !applied[t] {
			applied[t] = true
			techniques = append(techniques, t)
		}
	}

	for _, r := range s {
		switch {
		case zeroWidth[r]:
			note(TechniqueZeroWidth)
		case unicode.Is(unicode.Mn, r):
			// Combining marks stack onto a base character; drop them
			// so "ḯgnore" folds to "ignore".
			note(TechniqueCombining)
		case r >= '！' && r <= '～':
			// Fullwidth ASCII block maps back by a fixed offset.
			note(TechniqueFullwidth)
			b.WriteRune(r - 0xfee0)
		case r == ' ' || (unicode.IsSpace(r) && r != ' ' && r != '\t' && r != '\n' && r != '\r'):
			note(TechniqueNoBreak)
			b.WriteRune(' ')
		default:
			if folded, ok := homoglyphs[r]; ok {
				note(TechniqueHomoglyph)
				b.WriteRune(folded)
			} else {
				b.WriteRune(r)
			}
		}
	}

	return strings.ToLower(b.String()), techniques
}
