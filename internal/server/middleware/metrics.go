package middleware

import (
	"net/http"
	"time"
)

// RequestObserver принимает сведения о завершенном запросе
type RequestObserver interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

// MetricsMiddleware учитывает запросы по шаблону маршрута.
// Должен оборачивать ServeMux: шаблон появляется в запросе после маршрутизации.
func MetricsMiddleware(observer RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)

			next.ServeHTTP(wrapped, r)

			observer.ObserveRequest(r.Method, r.Pattern, wrapped.statusCode, time.Since(start))
		})
	}
}
