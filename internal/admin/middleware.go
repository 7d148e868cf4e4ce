package admin

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// SecretAuth requires the static admin secret as a bearer token. The
// comparison runs over SHA-256 digests in constant time so neither length
// nor prefix leaks through timing.
func (h *Handler) SecretAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := bearerSecret(r)
		if presented == "" {
			WriteErrorWithHint(w, http.StatusUnauthorized, ErrCodeInvalidCredentials,
				"missing admin secret",
				"Send the admin secret as 'Authorization: Bearer <secret>'")
			return
		}

		presentedHash := sha256.Sum256([]byte(presented))
		if subtle.ConstantTimeCompare(presentedHash[:], h.secretHash[:]) != 1 {
			WriteError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials,
				"invalid admin secret")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerSecret(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
