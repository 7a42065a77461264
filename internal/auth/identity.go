// Package auth resolves the owner of each request. Authentication happens
// upstream; the owner header is trusted as-is.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode"
)

const DefaultHeader = "X-User-Id"

const maxOwnerIDLen = 128

var ErrInvalidOwner = errors.New("invalid owner id")

type Options struct {
	Header       string // defaults to X-User-Id
	DefaultOwner string // used when the header is absent; empty rejects
}

// Identity injects the request owner into the context.
type Identity struct {
	header       string
	defaultOwner string
}

func NewIdentity(opts Options) (*Identity, error) {
	id := &Identity{
		header:       strings.TrimSpace(opts.Header),
		defaultOwner: strings.TrimSpace(opts.DefaultOwner),
	}
	if id.header == "" {
		id.header = DefaultHeader
	}
	if id.defaultOwner != "" {
		if err := ValidateOwnerID(id.defaultOwner); err != nil {
			return nil, err
		}
	}
	return id, nil
}

// ValidateOwnerID rejects ids that are empty, too long, or contain spaces,
// control characters or the group key separator '|'.
func ValidateOwnerID(s string) error {
	if s == "" || len(s) > maxOwnerIDLen {
		return ErrInvalidOwner
	}
	for _, r := range s {
		if r == '|' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalidOwner
		}
	}
	return nil
}

// Owner returns the owner for r.
func (id *Identity) Owner(r *http.Request) (string, error) {
	owner := strings.TrimSpace(r.Header.Get(id.header))
	if owner == "" {
		owner = id.defaultOwner
	}
	if err := ValidateOwnerID(owner); err != nil {
		return "", err
	}
	return owner, nil
}

func (id *Identity) RequireAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := id.Owner(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": "missing or invalid " + id.header + " header",
				"code":  "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
	})
}
