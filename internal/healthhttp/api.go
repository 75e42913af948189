package healthhttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/apiserver/internal/health"
)

// API exposes liveness and readiness on the public router so load
// balancers that cannot reach the ops listener can still probe the app.
type API struct {
	Live  health.Probe
	Ready health.Probe
}

// NewAPI constructs a health API. nil probes always pass.
func NewAPI(live, ready health.Probe) *API {
	return &API{Live: live, Ready: ready}
}

// RegisterRoutes attaches /-/ping, /-/healthy, /-/ready to the public router.
func (api *API) RegisterRoutes(r chi.Router) {
	// is the process up and answering?
	r.Method(http.MethodGet, "/-/ping",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("pong\n"))
		}),
	)

	r.Method(http.MethodGet, "/-/healthy", health.HealthzHandler(api.Live))

	// database connected and not draining
	r.Method(http.MethodGet, "/-/ready", health.ReadyzHandler(api.Ready))
}
