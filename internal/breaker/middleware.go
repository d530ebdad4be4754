package breaker

import (
	"math"
	"net/http"
	"strconv"

	"github.com/koltyakov/tunnelguard/internal/domain"
	"github.com/koltyakov/tunnelguard/internal/netutil"
)

// Middleware rejects blocked sources with 429 and feeds the outcome of
// every other request back into the breaker: client errors other than 405
// and 429 count as failures, 2xx and 3xx as successes.
func (b *Breaker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := netutil.ClientIP(r)
		if blocked, rec := b.IsBlocked(ip); blocked {
			b.writeBlocked(w, rec)
			return
		}

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		switch status := sw.Status(); {
		case status >= 200 && status < 400:
			b.RecordSuccess(ip)
		case status >= 400 && status < 500 && status != http.StatusMethodNotAllowed && status != http.StatusTooManyRequests:
			b.RecordFailure(ip, http.StatusText(status)+" on "+r.URL.Path)
		}
	})
}

func (b *Breaker) writeBlocked(w http.ResponseWriter, rec *domain.BlockedIP) {
	if rec != nil {
		secs := int(math.Ceil(rec.BlockedUntil.Sub(b.now()).Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	netutil.WriteJSON(w, http.StatusTooManyRequests, domain.ErrorResponse{
		Error: "too many failed requests",
		Code:  "source_blocked",
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
