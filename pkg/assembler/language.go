package assembler

import (
	"unicode"

	"conversation-orchestrator/pkg/constants"
)

// DetectLanguage picks Thai or English by counting script characters. Text
// with neither script keeps fallback.
func DetectLanguage(text, fallback string) string {
	var thai, latin int
	for _, r := range text {
		switch {
		case r >= 0x0E00 && r <= 0x0E7F:
			thai++
		case r < unicode.MaxASCII && unicode.IsLetter(r):
			latin++
		}
	}

	switch {
	case thai > latin:
		return constants.LanguageThai
	case latin > 0:
		return constants.LanguageEnglish
	case fallback != "":
		return fallback
	default:
		return constants.LanguageThai
	}
}
