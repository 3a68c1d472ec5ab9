package api

import (
	"net/http"

	"github.com/balu-dk/go-ocpi/internal/api/handlers"
	"github.com/balu-dk/go-ocpi/internal/api/middleware"
	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"github.com/balu-dk/go-ocpi/internal/service"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Options configure authentication of the API
type Options struct {
	// GatewayAPIKey guards the device callback, token authorization, admin and read endpoints
	GatewayAPIKey   string
	CounterpartRole ocpi.Role
}

// API handles the API server
type API struct {
	router  chi.Router
	handler *handlers.Handler
}

// NewAPI creates a new API server
func NewAPI(cpms *service.CPMS) *API {
	return New(handlers.NewHandler(cpms), cpms.Registration(), Options{
		GatewayAPIKey:   cpms.Config().GatewayAPIKey,
		CounterpartRole: cpms.Config().CounterpartRole,
	})
}

// New creates the API on an explicit handler and token resolver
func New(handler *handlers.Handler, resolver middleware.TokenResolver, opts Options) *API {
	router := chi.NewRouter()

	// Setup middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.ContentType)

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			ocpi.HeaderRequestID, ocpi.HeaderCorrelationID,
			ocpi.HeaderFromCountryCode, ocpi.HeaderFromPartyID,
			ocpi.HeaderToCountryCode, ocpi.HeaderToPartyID,
		},
		ExposedHeaders:   []string{"Link", ocpi.HeaderRequestID, ocpi.HeaderCorrelationID},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	knownToken := middleware.KnownToken(resolver)
	gateway := middleware.GatewayKey(opts.GatewayAPIKey)

	// OCPI modules
	router.Route("/ocpi", func(r chi.Router) {
		r.With(knownToken).Get("/versions", handler.GetVersions)

		r.Route("/{version}", func(r chi.Router) {
			r.With(knownToken).Get("/", handler.GetVersionDetails)

			r.Route("/credentials", func(r chi.Router) {
				r.With(knownToken).Get("/", handler.GetCredentials)

				r.Group(func(r chi.Router) {
					r.Use(middleware.PresentedToken(resolver))
					r.Post("/", handler.PostCredentials)
					r.Put("/", handler.PutCredentials)
					r.Delete("/", handler.DeleteCredentials)
				})
			})

			r.With(middleware.RegisteredPartner(resolver, opts.CounterpartRole)).
				Post("/commands/{commandType}", handler.PostCommand)
		})
	})

	// Internal endpoints
	router.Group(func(r chi.Router) {
		r.Use(gateway)

		r.Post("/commands/callback/{partnerId}/{version}/{commandType}/{commandId}", handler.DeviceCallback)
		r.Post("/tokens/{tokenId}/authorize", handler.AuthorizeToken)

		r.Route("/admin/partners", func(r chi.Router) {
			r.Post("/", handler.CreatePartner)
			r.Post("/{id}/register", handler.RegisterPartner)
		})

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/chargepoints", func(r chi.Router) {
				r.Get("/", handler.GetChargePoints)
				r.Get("/{id}", handler.GetChargePoint)
				r.Get("/{id}/connectors", handler.GetConnectors)
			})
			r.Get("/sessions/{id}", handler.GetSession)
			r.Get("/commands/{id}", handler.GetCommand)
		})
	})

	return &API{
		router:  router,
		handler: handler,
	}
}

// ServeHTTP satisfies the http.Handler interface
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}
