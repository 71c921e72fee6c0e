package middleware

import (
	"log"
	"net/http"
	"time"
)

// CORS allows browser wallets to call the gateway cross-origin. The
// X-Payment request header and X-Payment-Response reply header both
// need explicit allowances or the browser strips them.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Payment")
		w.Header().Set("Access-Control-Expose-Headers", "X-Payment-Response")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Logging logs each request in Cloud Run compatible format (JSON).
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		log.Printf(`{"method":%q,"path":%q,"duration_ms":%d}`,
			r.Method, r.URL.Path, time.Since(start).Milliseconds())
	})
}

// MaxBody caps request bodies at n bytes. Chat inputs are small; an
// oversized body fails the handler's JSON decode instead of buffering.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
