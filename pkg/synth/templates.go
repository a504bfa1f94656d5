package synth

import (
	"strings"

	"conversation-orchestrator/pkg/config"
	"conversation-orchestrator/pkg/constants"
)

// Templates renders reply templates by language and key. Each key may carry
// several variants; a missing language falls back to English, then Thai.
type Templates struct {
	byLang map[string]map[string][]string
}

func NewTemplates(rules *config.Rules) *Templates {
	return &Templates{byLang: rules.Templates}
}

// Variants returns the variants for key in lang.
func (t *Templates) Variants(lang, key string) []string {
	for _, l := range []string{lang, constants.LanguageEnglish, constants.LanguageThai} {
		if variants := t.byLang[l][key]; len(variants) > 0 {
			return variants
		}
	}
	return nil
}

// Has reports whether any language defines key.
func (t *Templates) Has(lang, key string) bool {
	return len(t.Variants(lang, key)) > 0
}

// Render fills variant n (wrapping around) of key with vars.
func (t *Templates) Render(lang, key string, n int, vars map[string]string) (string, bool) {
	variants := t.Variants(lang, key)
	if len(variants) == 0 {
		return "", false
	}
	if n < 0 {
		n = -n
	}
	return Fill(variants[n%len(variants)], vars), true
}

// Fill substitutes {name} placeholders. Unknown placeholders are left as is.
func Fill(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// HasPlaceholder reports whether text still carries an unfilled {name}.
func HasPlaceholder(text string) bool {
	open := strings.Index(text, "{")
	if open < 0 {
		return false
	}
	end := strings.Index(text[open:], "}")
	if end <= 1 {
		return false
	}
	name := text[open+1 : open+end]
	return !strings.ContainsAny(name, " \n\t")
}
