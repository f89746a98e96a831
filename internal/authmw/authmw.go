// Package authmw guards the intake API with bearer tokens.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Rejection reasons passed to Options.OnReject.
const (
	ReasonMissing = "missing"
	ReasonInvalid = "invalid"
)

// Options configures BearerToken.
type Options struct {
	// Realm is reported in the WWW-Authenticate challenge. Defaults to "switchboard".
	Realm string
	// OnReject is called once per rejected request.
	OnReject func(reason string)
}

// BearerToken returns middleware that accepts a request when its
// Authorization header carries any of tokens. Several tokens allow rotation
// without downtime. Empty tokens are ignored; with none left every request
// is rejected.
func BearerToken(opts Options, tokens ...string) func(http.Handler) http.Handler {
	var accepted [][]byte
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			accepted = append(accepted, []byte(t))
		}
	}
	realm := opts.Realm
	if realm == "" {
		realm = "switchboard"
	}
	challenge := `Bearer realm="` + realm + `"`

	reject := func(w http.ResponseWriter, reason, msg string) {
		if opts.OnReject != nil {
			opts.OnReject(reason)
		}
		w.Header().Set("WWW-Authenticate", challenge)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				reject(w, ReasonMissing, "missing or malformed authorization header")
				return
			}

			got := []byte(strings.TrimSpace(auth[len("Bearer "):]))
			if !match(got, accepted) {
				reject(w, ReasonInvalid, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// match compares got against every accepted token so timing does not reveal
// which one matched.
func match(got []byte, accepted [][]byte) bool {
	ok := 0
	for _, want := range accepted {
		ok |= subtle.ConstantTimeCompare(got, want)
	}
	return ok == 1
}
