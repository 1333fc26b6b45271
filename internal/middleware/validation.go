package middleware

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// MaxNameLength bounds conversation names.
const MaxNameLength = 256

// ValidateID validates a server issued identifier.
func ValidateID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid " + kind + " ID format")
	}
	return nil
}

// ValidateName validates a conversation name.
func ValidateName(name string) error {
	if len(name) > MaxNameLength {
		return errors.New("name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("name must be valid UTF-8")
	}
	return nil
}

// IDParams rejects requests whose named chi URL parameters are not valid ids.
func IDParams(params ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range params {
				v := chi.URLParam(r, p)
				if v == "" {
					continue
				}
				if err := ValidateID(strings.TrimSuffix(p, "ID"), v); err != nil {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusBadRequest)
					w.Write([]byte(`{"error":"` + err.Error() + `","code":"invalid_payload"}`))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
