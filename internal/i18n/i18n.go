// Package i18n localizes the messages the API returns and the CLI prints.
// English strings double as catalog keys, so an untranslated message falls
// back to its key.
package i18n

import (
	"context"
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// DefaultLang is used when nothing better matches.
var DefaultLang = language.English

// SupportedLangs lists the languages with a catalog, fallback first.
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

var german = map[string]string{
	"invalid scope: %v":                  "ungültiger Bereich: %v",
	"invalid request body: %v":           "ungültiger Anfragekörper: %v",
	"invalid predicate: %v":              "ungültiges Prädikat: %v",
	"unknown rule: %v":                   "unbekannte Regel: %v",
	"scope not found: %v":                "Bereich nicht gefunden: %v",
	"scope capacity exceeded: %v":        "Regelkapazität des Bereichs überschritten: %v",
	"failed to persist change: %v":       "Änderung konnte nicht gespeichert werden: %v",
	"cannot decode packet: %v":           "Paket kann nicht dekodiert werden: %v",
	"too many requests, retry in %ds":    "zu viele Anfragen, erneut versuchen in %d s",
	"%d rules committed, %d failed":      "%d Regeln übernommen, %d fehlgeschlagen",
	"Configuration is valid (%d scopes)": "Konfiguration ist gültig (%d Bereiche)",
	"Configuration is invalid":           "Konfiguration ist ungültig",
	"%d packets classified, %d errors":   "%d Pakete klassifiziert, %d Fehler",
	"Listening on %s":                    "Lausche auf %s",
	"No changes.":                        "Keine Änderungen.",
	"Error: %v":                          "Fehler: %v",
}

// messages is built once; printers share it instead of the global catalog.
var messages = func() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(DefaultLang))
	for key, msg := range german {
		_ = b.SetString(language.German, key, msg)
	}
	return b
}()

// NewPrinter returns a printer for tag backed by the message catalog.
func NewPrinter(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag, message.Catalog(messages))
}

// MatchLanguage picks the supported language for an Accept-Language value.
func MatchLanguage(acceptLang string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(acceptLang)
	_, i, _ := matcher.Match(tags...)
	return SupportedLangs[i]
}

// MatchLocale picks the supported language for a POSIX locale such as
// "de_DE.UTF-8". Unknown or empty locales give DefaultLang.
func MatchLocale(locale string) language.Tag {
	if i := strings.IndexAny(locale, ".@"); i != -1 {
		locale = locale[:i]
	}
	if locale == "" || locale == "C" || locale == "POSIX" {
		return DefaultLang
	}
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return DefaultLang
	}
	_, i, _ := matcher.Match(tag)
	return SupportedLangs[i]
}

// NewCLIPrinter returns a printer for the locale in LC_ALL, LC_MESSAGES or
// LANG, in that order.
func NewCLIPrinter() *message.Printer {
	for _, env := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(env); v != "" {
			return NewPrinter(MatchLocale(v))
		}
	}
	return NewPrinter(DefaultLang)
}

type contextKey struct{}

// WithPrinter stores p in ctx.
func WithPrinter(ctx context.Context, p *message.Printer) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// GetPrinter returns the request's printer, or a DefaultLang one.
func GetPrinter(ctx context.Context) *message.Printer {
	if p, ok := ctx.Value(contextKey{}).(*message.Printer); ok {
		return p
	}
	return NewPrinter(DefaultLang)
}
