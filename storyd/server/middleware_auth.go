package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Oudwins/storyd/internals/auth"
)

type ownerKey struct{}

func OwnerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// MiddlewareAuth resolves the bearer token to its owner. Requests without a
// valid token are rejected.
func (s *Server) MiddlewareAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := s.authenticate(auth.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			LoggerFrom(r.Context()).Debug("Rejected credentials", slog.String("error", err.Error()))
			RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeAuthRequired, "Authentication required", nil), Render.Status(http.StatusUnauthorized))
			return
		}
		ctx := WithOwner(r.Context(), owner)
		ctx = context.WithValue(ctx, loggerKey{}, LoggerFrom(ctx).With(slog.String("owner", owner)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticate(token string) (string, error) {
	if token == "" {
		return "", auth.ErrUnauthorized
	}
	return s.Base.Tokens.Verify(token)
}
