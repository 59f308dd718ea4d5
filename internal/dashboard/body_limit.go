package dashboard

import (
	"net/http"
	"strconv"
	"strings"
)

// maxBodyBytes is the maximum allowed size for POST/PUT/PATCH request bodies (1 MiB).
const maxBodyBytes int64 = 1 << 20

// maxBodySizeMiddleware limits write-request body size.
//
// The Content-Length header is parsed defensively: a negative or non-integer
// value is rejected outright. All write requests also have their body wrapped
// with http.MaxBytesReader as a safety net against chunked or unannounced
// oversized payloads.
func maxBodySizeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			if raw := strings.TrimSpace(r.Header.Get("Content-Length")); raw != "" {
				n, err := strconv.ParseInt(raw, 10, 64)
				if err != nil || n < 0 {
					writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large", "invalid content length")
					return
				}
				if n > maxBodyBytes {
					writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large (limit 1MB)")
					return
				}
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
