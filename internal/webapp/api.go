package webapp

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"nuha.dev/famtrack/internal/ratelimit"
	"nuha.dev/famtrack/internal/tracker"
)

type ApiConfig struct {
	ListenAddr string
	// AdminToken guards /func/*. Empty disables the admin functions.
	AdminToken     string
	AllowedOrigins []string
}

type Api struct {
	r       chi.Router
	s       *http.Server
	config  *ApiConfig
	log     log.Logger
	vld     *validator.Validate
	ch      *tracker.Channel
	reg     *tracker.Registry
	limiter *ratelimit.Limiter
}

// NewApi builds the HTTP surface: the fix endpoint, the admin functions and,
// when ws is not nil, the websocket transport under /ws.
func NewApi(ch *tracker.Channel, limiter *ratelimit.Limiter, ws http.Handler, config *ApiConfig) *Api {
	api := &Api{config: config, ch: ch, reg: ch.Registry(), limiter: limiter}
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()
	api.vld = validator.New()
	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Device-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)

	disp := NewDispatcher()
	disp.Add("GetStats", api.GetStats)
	disp.Add("GetSessions", api.GetSessions)
	disp.Add("GetDeviceStatus", api.GetDeviceStatus)
	disp.Add("GetViewerStats", api.GetViewerStats)
	disp.Add("DisconnectDevice", api.DisconnectDevice)

	r.Post("/api/fix", api.SubmitFix)
	r.With(api.admin_verify).Post("/func/{name}", func(w http.ResponseWriter, r *http.Request) {
		disp.Call(chi.URLParam(r, "name"), w, r)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if ws != nil {
		r.Mount("/ws", ws)
	}
	api.r = r
	api.s = &http.Server{
		Addr:              api.config.ListenAddr,
		Handler:           api.r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

func (api *Api) Run() error {
	api.log.Info().Msgf("starting api-server on : %s", api.s.Addr)
	err := api.s.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (api *Api) Shutdown(ctx context.Context) error {
	return api.s.Shutdown(ctx)
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return h[7:]
	}
	return ""
}

func (api *Api) admin_verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearer(r)
		if api.config.AdminToken == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(api.config.AdminToken)) != 1 {
			api.log.Debug().Str("remote", r.RemoteAddr).Msg("admin token mismatch")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
