package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		accept   string
		expected language.Tag
	}{
		{"en-US,en;q=0.9", language.English},
		{"de-DE,de;q=0.9", language.German},
		{"fr-FR,de;q=0.5", language.German},
		{"fr-FR", language.English},
		{"", language.English},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, MatchLanguage(tt.accept), "Accept: %s", tt.accept)
	}
}

func TestMatchLocale(t *testing.T) {
	tests := []struct {
		locale   string
		expected language.Tag
	}{
		{"de_DE.UTF-8", language.German},
		{"de_AT@euro", language.German},
		{"en_US", language.English},
		{"C", language.English},
		{"POSIX", language.English},
		{"ja_JP.eucJP", language.English},
		{"not a locale", language.English},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, MatchLocale(tt.locale), "locale: %s", tt.locale)
	}
}

func TestNewPrinter_Catalog(t *testing.T) {
	de := NewPrinter(language.German)
	assert.Equal(t, "unbekannte Regel: 7", de.Sprintf("unknown rule: %v", 7))
	assert.Equal(t, "Keine Änderungen.", de.Sprintf("No changes."))
	// Untranslated keys print as themselves.
	assert.Equal(t, "rule 7", de.Sprintf("rule %d", 7))

	en := NewPrinter(language.English)
	assert.Equal(t, "unknown rule: 7", en.Sprintf("unknown rule: %v", 7))
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		accept   string
		wantText string
		wantLang string
	}{
		{"accept header", "/", "de", "unbekannte Regel: 7", "de"},
		{"no header", "/", "", "unknown rule: 7", "en"},
		{"query wins", "/?lang=en", "de", "unknown rule: 7", "en"},
		{"query only", "/?lang=de-CH", "", "unbekannte Regel: 7", "de"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = GetPrinter(r.Context()).Sprintf("unknown rule: %v", 7)
			}))

			req := httptest.NewRequest("GET", tc.target, nil)
			if tc.accept != "" {
				req.Header.Set("Accept-Language", tc.accept)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tc.wantText, got)
			assert.Equal(t, tc.wantLang, rr.Header().Get("Content-Language"))
		})
	}
}

func TestGetPrinter_Default(t *testing.T) {
	p := GetPrinter(context.Background())
	assert.Equal(t, "unknown rule: 7", p.Sprintf("unknown rule: %v", 7))
}

func TestNewCLIPrinter(t *testing.T) {
	t.Setenv("LC_ALL", "de_DE.UTF-8")
	p := NewCLIPrinter()
	assert.Equal(t, "Lausche auf :80", p.Sprintf("Listening on %s", ":80"))

	t.Setenv("LC_ALL", "")
	t.Setenv("LC_MESSAGES", "")
	t.Setenv("LANG", "de_DE")
	p = NewCLIPrinter()
	assert.Equal(t, "Lausche auf :80", p.Sprintf("Listening on %s", ":80"))

	t.Setenv("LANG", "")
	p = NewCLIPrinter()
	assert.Equal(t, "Listening on :80", p.Sprintf("Listening on %s", ":80"))
}
