package middleware

import (
	"net/http"

	"github.com/teilomillet/parley/errors"
	"github.com/teilomillet/parley/server/signature"
)

// Signature rejects requests whose signature query parameters do not match
// token. It is mounted on message pushes when verification is enabled; the
// handshake does its own check because it also needs echostr.
func Signature(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := signature.FromQuery(r.URL.Query())
			requestID := RequestIDFromContext(r.Context())

			if missing := req.Missing(false); len(missing) > 0 {
				errors.WriteError(w, errors.NewMissingParamError(requestID, missing))
				return
			}
			if !req.Verify(token) {
				errors.WriteError(w, errors.NewAuthFailureError(requestID))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
