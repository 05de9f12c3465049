package http

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/atinyakov/RealmKeeper/internal/middleware"
)

// NewRouter constructs the HTTP handler serving the server API.
//
// Routes:
//
//	POST /api/certificates/poll      → certHandler.Poll
//	POST /api/realms                 → certHandler.CreateRealm
//	POST /api/realms/share           → certHandler.ShareRealm
//	POST /api/vlobs/create           → vlobHandler.Create
//	POST /api/vlobs/update           → vlobHandler.Update
//	GET  /api/vlobs/{realm}/{vlob}   → vlobHandler.Read
//	GET  /api/now                    → certHandler.Now
//
// JSON content type is enforced on POST bodies, every request is logged,
// and all routes except /api/now require a device ID header.
func NewRouter(
	certHandler *CertificateHandler,
	vlobHandler *VlobHandler,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.WithRequestLogging(logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/now", certHandler.Now)

		r.Group(func(r chi.Router) {
			r.Use(middleware.DeviceAuth)
			r.Get("/vlobs/{realm}/{vlob}", vlobHandler.Read)

			r.Group(func(r chi.Router) {
				r.Use(chiMiddleware.AllowContentType("application/json"))
				r.Post("/certificates/poll", certHandler.Poll)
				r.Post("/realms", certHandler.CreateRealm)
				r.Post("/realms/share", certHandler.ShareRealm)
				r.Post("/vlobs/create", vlobHandler.Create)
				r.Post("/vlobs/update", vlobHandler.Update)
			})
		})
	})

	return r
}
