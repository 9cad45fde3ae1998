package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		locale   string
		expected language.Tag
	}{
		{"en_US.UTF-8", language.English},
		{"it_IT.UTF-8", language.Italian},
		{"it", language.Italian},
		{"fr-FR", language.English},
		{"C", language.English},
		{"", language.English},
		{"!!", language.English},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, MatchLanguage(tt.locale), "locale: %q", tt.locale)
	}
}

func TestNewCLIPrinterUsesEnv(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LC_MESSAGES", "")
	t.Setenv("LANG", "it_IT.UTF-8")

	p := NewCLIPrinter()
	assert.Equal(t, "1.234", p.Sprintf("%d", 1234))
}
