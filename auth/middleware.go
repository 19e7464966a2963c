package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/warp/balance-ledger/ledger"
)

const (
	msgMissing = "JWT token is missing!"
	msgInvalid = "JWT invalid token!"
)

type identityKey struct{}

type Identity struct {
	UserID    string
	AccountID ledger.AccountID
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity placed by Middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Middleware rejects requests without a valid bearer token.
func (i *Issuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			unauthorized(w, msgMissing)
			return
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			unauthorized(w, msgInvalid)
			return
		}
		claims, err := i.Parse(strings.TrimSpace(token))
		if err != nil {
			unauthorized(w, msgInvalid)
			return
		}
		ctx := WithIdentity(r.Context(), Identity{UserID: claims.UserID, AccountID: claims.AccountID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "message": msg})
}
