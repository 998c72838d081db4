package shipboard

import (
	"context"
	"embed"
	"net/http"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/shipboard-chat/shipboard/alerts"
	"github.com/shipboard-chat/shipboard/api"
	"github.com/shipboard-chat/shipboard/caches"
	"github.com/shipboard-chat/shipboard/fanout"
	"github.com/shipboard-chat/shipboard/internal"
	"github.com/shipboard-chat/shipboard/live"
	"github.com/shipboard-chat/shipboard/pubsub"
	"github.com/shipboard-chat/shipboard/state"
	_ "github.com/shipboard-chat/shipboard/state/migrations"
)

//go:embed state/migrations/*.go
var EmbedMigrations embed.FS

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Version is the current version of the server
const Version = "0.99.1"

func Migrate(db *sqlx.DB) error {
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db.DB, "state/migrations")
}

// Opts tunes the non-essential knobs; zero values get sensible defaults.
type Opts struct {
	// TTL on per-user counter hashes and relation cache entries
	CacheTTL time.Duration
	// number of concurrent live pushes
	FanoutWorkers int
	// pending events before mutation paths block
	EventBufferSize int
	// disable prometheus metric registration (tests construct many instances)
	DisableMetrics bool
}

func (o *Opts) defaults() {
	if o.CacheTTL == 0 {
		o.CacheTTL = 30 * time.Minute
	}
	if o.FanoutWorkers == 0 {
		o.FanoutWorkers = 128
	}
	if o.EventBufferSize == 0 {
		o.EventBufferSize = 1024
	}
}

// App owns every long-lived component, in teardown order.
type App struct {
	Store     *state.Storage
	Counters  *alerts.Store
	Registry  *live.Registry
	Relations *caches.RelationCache
	Matcher   *fanout.WordMatcher
	Engine    *fanout.Engine
	Bus       *pubsub.PubSub
	EventSub  *pubsub.EventSub
	API       *api.Server
}

// Setup wires storage, counters, fan-out and the API together and starts the
// event subscription. The returned App is ready for RunServer.
func Setup(postgresURI, redisURL string, jwtSecret []byte, opts Opts) (*App, error) {
	opts.defaults()

	store := state.NewStorage(postgresURI)
	if err := Migrate(store.DB); err != nil {
		return nil, err
	}

	matcher := fanout.NewWordMatcher()
	words, err := store.AlertWords.SelectAll()
	if err != nil {
		return nil, err
	}
	if err := matcher.Load(words); err != nil {
		return nil, err
	}

	relations := caches.NewRelationCache(store.Relations, opts.CacheTTL)
	counters, err := alerts.NewStore(redisURL, NewCounterSource(store), opts.CacheTTL)
	if err != nil {
		return nil, err
	}
	registry := live.NewRegistry(!opts.DisableMetrics)
	engine := fanout.NewEngine(registry, counters, relations, matcher, opts.FanoutWorkers, !opts.DisableMetrics)

	bus := pubsub.NewPubSub(opts.EventBufferSize)
	var notifier pubsub.Notifier = bus
	if !opts.DisableMetrics {
		notifier = pubsub.NewPromNotifier(bus, "api")
	}
	sub := pubsub.NewEventSub(bus, engine)
	go func() {
		if err := sub.Listen(); err != nil {
			logger.Err(err).Msg("event subscription terminated")
		}
	}()

	app := &App{
		Store:     store,
		Counters:  counters,
		Registry:  registry,
		Relations: relations,
		Matcher:   matcher,
		Engine:    engine,
		Bus:       bus,
		EventSub:  sub,
		API:       api.NewServer(store, counters, registry, relations, matcher, notifier, jwtSecret),
	}
	return app, nil
}

// Teardown stops accepting events, detaches every live connection and closes
// the stores.
func (a *App) Teardown() {
	a.Bus.Close()
	a.EventSub.Teardown()
	a.Engine.Teardown()
	a.Registry.CloseAll()
	a.Relations.Teardown()
	if err := a.Counters.Close(); err != nil {
		logger.Err(err).Msg("failed to close counter store")
	}
	a.Store.Teardown()
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// RunServer blocks until ctx is cancelled, then drains in-flight requests and
// tears the app down.
func RunServer(ctx context.Context, app *App, bindAddr string) {
	srv := &http.Server{
		Addr: bindAddr,
		Handler: &server{
			chain: []func(next http.Handler) http.Handler{
				hlog.NewHandler(logger),
				func(next http.Handler) http.Handler {
					return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
						next.ServeHTTP(w, req.WithContext(internal.RequestContext(req.Context())))
					})
				},
				hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
					l := hlog.FromRequest(r).Info().
						Str("method", r.Method).
						Int("status", status).
						Int("size", size).
						Dur("duration", duration).
						Str("path", r.URL.Path)
					internal.DecorateLogger(r.Context(), l).Msg("")
				}),
				hlog.RemoteAddrHandler("ip"),
			},
			final: allowCORS(app.API.Router()),
		},
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Err(err).Msg("server shutdown failed")
		}
	}()

	logger.Info().Msgf("listening on %s", bindAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
	app.Teardown()
}
