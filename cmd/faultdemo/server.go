package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
)

// newRouter serves metrics and health, plus /divide and /panic which fail
// on request so that captures can be watched end to end.
func newRouter(router *faults.Router, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(captureFaults(router))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	div := faults.Wrap1(router, "divide", faults.Propagate, func(_ context.Context, operands [2]int) (int, error) {
		return divide(operands[0], operands[1])
	})
	r.Get("/divide/{a}/{b}", func(w http.ResponseWriter, req *http.Request) {
		a, errA := strconv.Atoi(chi.URLParam(req, "a"))
		b, errB := strconv.Atoi(chi.URLParam(req, "b"))
		if errA != nil || errB != nil {
			http.Error(w, "operands must be integers", http.StatusBadRequest)
			return
		}
		result, err := div(req.Context(), [2]int{a, b})
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"result": result})
	})

	r.Get("/panic", func(http.ResponseWriter, *http.Request) {
		panic("requested panic")
	})
	return r
}

// captureFaults records a panicking handler as one ERROR record tagged with
// the request and answers 500.
func captureFaults(router *faults.Router) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := faults.WithAttributes(r.Context(), map[string]string{
				"http.method":     r.Method,
				"http.target":     r.URL.Path,
				"http.request_id": middleware.GetReqID(r.Context()),
			})
			err := faults.RunErr(ctx, router, "http.handler", faults.Propagate, func(ctx context.Context) error {
				next.ServeHTTP(w, r.WithContext(ctx))
				return nil
			})
			if err != nil {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		})
	}
}
