package auth

import (
	"net/http"

	apierrors "github.com/invoisio/ledger/internal/errors"
)

// ProofMiddleware parses proof headers into the request context. Malformed
// proof headers are rejected; requests without any pass through unchanged.
func ProofMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proofs, err := ExtractProofs(r)
		if err != nil {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, err.Error())
			return
		}
		if len(proofs) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithProofs(r.Context(), proofs)))
	})
}
