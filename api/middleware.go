package api

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aionpay/relayer/log"
)

// DisabledLogging globally disables the request logging middleware; tests
// flip it to keep output quiet.
var DisabledLogging = false

var jsonBodyRegex = regexp.MustCompile(`^\s*[\[{]`)

// skipLogging reports whether the request bypasses the debug logger. The
// websocket endpoint must be excluded: the recorder wrapper would hide the
// http.Hijacker needed by the connection upgrade.
func skipLogging(r *http.Request) bool {
	if DisabledLogging || log.Level() != log.LogLevelDebug {
		return true
	}
	for _, prefix := range LogExcludedPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return rec.ResponseWriter.Write(b)
}

// loggingMiddleware logs requests and responses at debug level, including up
// to maxBodyLog bytes of a JSON request body.
func loggingMiddleware(maxBodyLog int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipLogging(r) {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			var body string
			if r.Body != nil && r.ContentLength > 0 {
				raw, err := io.ReadAll(r.Body)
				if err != nil {
					log.Errorw(err, "failed to read request body")
					http.Error(w, "unable to read request body", http.StatusInternalServerError)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(raw))
				if jsonBodyRegex.Match(raw) {
					body = string(raw)
					if len(body) > maxBodyLog {
						body = body[:maxBodyLog] + "..."
					}
					body = strings.ReplaceAll(body, `"`, "")
				}
			}
			rec := &statusRecorder{ResponseWriter: w}
			log.Debugw("api request", "method", r.Method, "url", r.URL.String(), "body", body)
			next.ServeHTTP(rec, r)
			log.Debugw("api response", "method", r.Method, "url", r.URL.String(),
				"status", rec.status, "took", time.Since(start).String())
		})
	}
}

// clientAddress extracts the client address used as the rate-limit key. The
// first X-Forwarded-For hop wins over the transport address, so clients
// behind the usual reverse proxy are accounted individually.
func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitMiddleware enforces the per-client sliding window on the
// submission endpoints.
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientAddress(r)
		ok, retryAfter := a.limiter.Allow(client)
		if !ok {
			log.Warnw("rate limit exceeded", "client", client, "retryAfter", retryAfter)
			httpWriteJSONWithStatus(w, http.StatusTooManyRequests, map[string]any{
				"error":      "Too many requests",
				"retryAfter": retryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminAuthMiddleware guards admin endpoints with HTTP basic auth.
func (a *API) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminUser == "" || a.adminPass == "" {
			ErrUnauthorized.With("admin credentials not configured").Write(w)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(a.adminUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(a.adminPass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="relayer admin"`)
			ErrUnauthorized.Write(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
