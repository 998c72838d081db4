// Package api is the HTTP and websocket surface. Handlers validate and
// authenticate, call into state, then publish domain events; all fan-out
// behaviour lives behind the pubsub bus.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/shipboard-chat/shipboard/alerts"
	"github.com/shipboard-chat/shipboard/caches"
	"github.com/shipboard-chat/shipboard/fanout"
	"github.com/shipboard-chat/shipboard/internal"
	"github.com/shipboard-chat/shipboard/live"
	"github.com/shipboard-chat/shipboard/pubsub"
	"github.com/shipboard-chat/shipboard/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Server struct {
	store     *state.Storage
	counters  *alerts.Store
	registry  *live.Registry
	relations *caches.RelationCache
	matcher   *fanout.WordMatcher
	notifier  pubsub.Notifier

	jwtSecret []byte
	validate  *validator.Validate
	upgrader  websocket.Upgrader
}

func NewServer(store *state.Storage, counters *alerts.Store, registry *live.Registry, relations *caches.RelationCache, matcher *fanout.WordMatcher, notifier pubsub.Notifier, jwtSecret []byte) *Server {
	return &Server{
		store:     store,
		counters:  counters,
		registry:  registry,
		relations: relations,
		matcher:   matcher,
		notifier:  notifier,
		jwtSecret: jwtSecret,
		validate:  validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/rooms", s.authed(s.createRoom)).Methods("POST")
	v1.HandleFunc("/rooms", s.authed(s.listRooms)).Methods("GET")
	v1.HandleFunc("/rooms/{roomID}", s.authed(s.getRoom)).Methods("GET")
	v1.HandleFunc("/rooms/{roomID}", s.authed(s.updateRoom)).Methods("PUT")
	v1.HandleFunc("/rooms/{roomID}/join", s.authed(s.joinRoom)).Methods("POST")
	v1.HandleFunc("/rooms/{roomID}/unjoin", s.authed(s.unjoinRoom)).Methods("POST")
	v1.HandleFunc("/rooms/{roomID}/members/{userID}", s.authed(s.addMember)).Methods("POST")
	v1.HandleFunc("/rooms/{roomID}/members/{userID}", s.authed(s.removeMember)).Methods("DELETE")
	v1.HandleFunc("/rooms/{roomID}/posts", s.authed(s.createPost)).Methods("POST")
	v1.HandleFunc("/rooms/{roomID}/posts/{postID}", s.authed(s.deletePost)).Methods("DELETE")
	v1.HandleFunc("/rooms/{roomID}/read", s.authed(s.markRead)).Methods("POST")
	v1.HandleFunc("/rooms/{roomID}/cancel", s.authed(s.cancelRoom)).Methods("POST")
	v1.HandleFunc("/rooms/{roomID}/report", s.authed(s.reportRoom)).Methods("POST")

	v1.HandleFunc("/notifications", s.authed(s.notificationSummary)).Methods("GET")
	v1.HandleFunc("/notifications/seen", s.authed(s.markNotificationsSeen)).Methods("POST")
	v1.HandleFunc("/alertwords", s.authed(s.listAlertWords)).Methods("GET")
	v1.HandleFunc("/alertwords", s.authed(s.addAlertWord)).Methods("POST")
	v1.HandleFunc("/alertwords/{word}", s.authed(s.removeAlertWord)).Methods("DELETE")

	v1.HandleFunc("/users/{userID}/block", s.authed(s.setRelation("block", true))).Methods("POST")
	v1.HandleFunc("/users/{userID}/unblock", s.authed(s.setRelation("block", false))).Methods("POST")
	v1.HandleFunc("/users/{userID}/mute", s.authed(s.setRelation("mute", true))).Methods("POST")
	v1.HandleFunc("/users/{userID}/unmute", s.authed(s.setRelation("mute", false))).Methods("POST")

	v1.HandleFunc("/announcements", s.authed(s.createAnnouncement)).Methods("POST")
	v1.HandleFunc("/announcements", s.authed(s.listAnnouncements)).Methods("GET")

	v1.HandleFunc("/rooms/{roomID}/live", s.roomLive).Methods("GET")
	v1.HandleFunc("/live", s.globalLive).Methods("GET")

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// identify resolves the Authorization header to an identity snapshot, applying
// the ?as= shared-inbox substitution when present.
func (s *Server) identify(req *http.Request) (*internal.Identity, error) {
	raw := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	if req.Header.Get("Authorization") == "" {
		// websocket clients cannot set headers from a browser
		raw = req.URL.Query().Get("token")
	}
	if raw == "" {
		return nil, &internal.HandlerError{
			StatusCode: http.StatusUnauthorized,
			Kind:       internal.KindForbidden,
			Err:        fmt.Errorf("missing bearer token"),
		}
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, &internal.HandlerError{
			StatusCode: http.StatusUnauthorized,
			Kind:       internal.KindForbidden,
			Err:        fmt.Errorf("invalid token: %w", err),
		}
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, &internal.HandlerError{
			StatusCode: http.StatusUnauthorized,
			Kind:       internal.KindForbidden,
			Err:        fmt.Errorf("invalid token claims"),
		}
	}
	userID, _ := claims["sub"].(string)
	if userID == "" {
		return nil, &internal.HandlerError{
			StatusCode: http.StatusUnauthorized,
			Kind:       internal.KindForbidden,
			Err:        fmt.Errorf("token has no subject"),
		}
	}
	level, _ := claims["lvl"].(float64)
	who := &internal.Identity{
		UserID:      userID,
		AccessLevel: internal.AccessLevel(level),
	}
	if who.AccessLevel <= internal.AccessBanned {
		return nil, internal.NewForbiddenError("account is banned")
	}
	who.Blocks, who.Mutes, err = s.relations.BlockAndMuteSets(userID)
	if err != nil {
		return nil, err
	}
	effective, herr := internal.ResolveEffectiveIdentity(who, req.URL.Query().Get("as"))
	if herr != nil {
		return nil, herr
	}
	internal.SetRequestContextUserID(req.Context(), userID, effective.UserID)
	return effective, nil
}

type handlerFunc func(req *http.Request, who *internal.Identity) (interface{}, error)

// authed wraps a handler with authentication and uniform JSON/error rendering.
func (s *Server) authed(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		who, err := s.identify(req)
		var res interface{}
		if err == nil {
			res, err = fn(req, who)
		}
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			herr := internal.AsHandlerError(err)
			if herr.Kind == internal.KindInternal {
				internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(herr.Err)
				hlog.FromRequest(req).Err(herr.Err).Msg("request failed")
			}
			w.WriteHeader(herr.StatusCode)
			w.Write(herr.JSON())
			return
		}
		if res == nil {
			res = struct{}{}
		}
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(res); err != nil {
			hlog.FromRequest(req).Err(err).Msg("failed to encode response")
		}
	}
}

// decode unmarshals and validates a JSON request body.
func (s *Server) decode(req *http.Request, into interface{}) error {
	if err := json.NewDecoder(req.Body).Decode(into); err != nil {
		return internal.NewInvalidRequestError("malformed JSON body: %s", err)
	}
	if err := s.validate.Struct(into); err != nil {
		return internal.NewInvalidRequestError("invalid request: %s", err)
	}
	return nil
}

func pagination(req *http.Request) (limit, offset int) {
	limit = 50
	if l, err := strconv.Atoi(req.URL.Query().Get("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}
	if o, err := strconv.Atoi(req.URL.Query().Get("offset")); err == nil && o > 0 {
		offset = o
	}
	return
}

// publish hands a domain event to the bus; failures are logged and captured but
// never fail the request, as the durable write has already committed.
func (s *Server) publish(req *http.Request, p pubsub.Payload) {
	if err := s.notifier.Notify(pubsub.ChanEvents, p); err != nil {
		hlog.FromRequest(req).Err(err).Str("payload", p.Type()).Msg("failed to publish event")
		internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
	}
}
