package i18n

import (
	"net/http"
)

// Middleware picks the response language for each API request: a "lang"
// query parameter wins over Accept-Language. The choice is echoed in
// Content-Language and the printer is stored in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept-Language")
		if lang := r.URL.Query().Get("lang"); lang != "" {
			accept = lang
		}
		tag := MatchLanguage(accept)

		w.Header().Set("Content-Language", tag.String())
		next.ServeHTTP(w, r.WithContext(WithPrinter(r.Context(), NewPrinter(tag))))
	})
}
