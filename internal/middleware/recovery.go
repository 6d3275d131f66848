package middleware

import (
	"net/http"
	"runtime/debug"

	"nft-marketplace-api/pkg/apierror"
	"nft-marketplace-api/pkg/response"

	"github.com/sirupsen/logrus"
)

// Recovery returns a middleware that turns panics into 500 responses.
func Recovery(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(logrus.Fields{
						"panic":      err,
						"path":       r.URL.Path,
						"request_id": GetRequestID(r.Context()),
					}).Errorf("Recovered from panic\n%s", debug.Stack())

					response.Error(w, apierror.InternalError("internal server error"))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
