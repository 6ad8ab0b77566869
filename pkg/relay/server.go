package relay

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	HeaderVersion = "X-Stage-Version"
	HeaderOrigin  = "X-Stage-Origin"
)

// NewRouter exposes the websocket endpoint at the root path, the current snapshot at /state and
// metrics from gatherer at /metrics.
func NewRouter(h *Hub, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/").HandlerFunc(h.ServeWS)
	r.Methods(http.MethodGet).Path("/state").HandlerFunc(h.getState)
	if gatherer != nil {
		r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (h *Hub) getState(writer http.ResponseWriter, request *http.Request) {
	entry, ok := h.Latest()
	if !ok {
		writer.WriteHeader(http.StatusNoContent)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.Header().Set(HeaderVersion, strconv.FormatInt(entry.Version, 10))
	writer.Header().Set(HeaderOrigin, entry.Origin)
	if _, err := writer.Write(entry.Payload); err != nil {
		h.logger.Error("failed to write out", "err", err)
	}
}
