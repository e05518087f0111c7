package core

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"creditengine/internal/types"
)

// adminKeyHeader carries the admin API key on every request to the engine.
// The engine is an internal admin surface; there is no per-user auth.
const adminKeyHeader = "X-Admin-Key"

// AdminKeyMiddleware rejects requests whose X-Admin-Key header does not
// match the configured key hash. The config stores a bcrypt hash, never the
// key itself, so a leaked config cannot authenticate.
func (s *Server) AdminKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(adminKeyHeader)
		if key == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing,
				"missing "+adminKeyHeader+" header", nil))
			return
		}

		hash := s.Config.Auth.AdminKeyHash.Unmask()
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
			s.Logger.WarnContext(r.Context(), "admin key rejected",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthKeyInvalid,
				"invalid admin key", err))
			return
		}

		next.ServeHTTP(w, r)
	})
}
