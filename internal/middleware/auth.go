package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/zhouzirui/tcm-fusion/backend/internal/model/diagnosis"
	"github.com/zhouzirui/tcm-fusion/backend/pkg/utils"
)

type callerKey struct{}

// ServiceAuth resolves the bearer token of a modality service to the
// modality it is bound to. With no tokens configured every request passes
// unauthenticated, which is meant for local development only.
func ServiceAuth(tokens map[string]diagnosis.Modality) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(tokens) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				utils.RespondError(w, http.StatusUnauthorized, "service token required")
				return
			}
			m, ok := tokens[token]
			if !ok {
				utils.RespondError(w, http.StatusUnauthorized, "unknown service token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), m)))
		})
	}
}

// bearerToken 同时支持 Authorization 头与 WebSocket 握手时的 token 查询参数。
func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// WithCaller stores the authenticated modality on ctx.
func WithCaller(ctx context.Context, m diagnosis.Modality) context.Context {
	return context.WithValue(ctx, callerKey{}, m)
}

// CallerFrom returns the authenticated modality, or "" when the request
// was not authenticated.
func CallerFrom(ctx context.Context) diagnosis.Modality {
	m, _ := ctx.Value(callerKey{}).(diagnosis.Modality)
	return m
}
