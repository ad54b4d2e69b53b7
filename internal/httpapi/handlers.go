package httpapi

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"thirdspace.org/internal/auth"
	"thirdspace.org/internal/idempotency"
	"thirdspace.org/internal/library"
	"thirdspace.org/internal/obs"
	"thirdspace.org/internal/ratelimit"
)

const serviceName = "third-space-api"

// Pinger is anything whose liveness can be probed, usually the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks that the backing store answers.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Limits holds the per-route rate limiters. A nil limiter disables limiting for that route.
type Limits struct {
	Register  ratelimit.Limiter
	Login     ratelimit.Limiter
	KeyCreate ratelimit.Limiter
}

// Deps is everything the HTTP layer needs from the rest of the service.
type Deps struct {
	Auth        *auth.Service
	Gate        *auth.Gate
	Library     *library.Service
	Idempotency *idempotency.Controller
	Limits      Limits
	Ready       ReadyProbe
	Version     string

	SecureCookies bool
	CORSOrigins   []string
	MaxBodyBytes  int64
	Logger        logrus.FieldLogger

	// TrustedProxies lists peers (addresses or CIDRs) whose X-Forwarded-For is believed.
	TrustedProxies []string
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	deps    Deps
	log     logrus.FieldLogger
	proxies []netip.Prefix
}

func New(d Deps) *API {
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 2 << 20
	}
	a := &API{mux: http.NewServeMux(), deps: d, log: d.Logger}
	if a.log == nil {
		a.log = obs.Logger()
	}
	proxies, err := ParseTrustedProxies(d.TrustedProxies)
	if err != nil {
		a.log.WithError(err).Error("ignoring trusted proxies; X-Forwarded-For will not be honoured")
	}
	a.proxies = proxies

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /api/v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.routeAuth()
	a.routeLibrary()
	a.routeAdmin()

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "route not found", nil)
	})
	return a
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.deps.MaxBodyBytes)
	h = CORS(h, a.deps.CORSOrigins)
	h = SecurityHeaders(h)
	h = Recover(h)
	h = LoggingJSON(h)
	h = RealIP(h, a.proxies)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.deps.Version,
	})
}
