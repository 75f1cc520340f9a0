package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"oauthd/app"
)

// Routes constructs the HTTP router with all OAuth/OIDC endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(app.RequestIDMiddleware)
	r.Use(app.LoggingMiddleware(a.Logger))
	r.Use(app.RecoveryMiddleware(a.Logger))
	r.Use(app.CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(app.SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/.well-known/jwks.json", a.handleJWKS)
	r.Get("/jwks.json", a.handleJWKS)

	r.Get("/authorize", a.handleAuthorize)
	r.Post("/authorize", a.handleAuthorize)
	r.Post("/device_authorization", a.handleDeviceAuthorization)
	r.Get("/device", a.handleDeviceForm)
	r.Post("/device", a.handleDeviceComplete)

	r.Post("/token", a.handleToken)
	r.Get("/userinfo", a.handleUserInfo)
	r.Post("/userinfo", a.handleUserInfo)
	r.Post("/introspect", a.handleIntrospect)
	r.Post("/revoke", a.handleRevoke)

	r.Post("/register", a.handleRegister)
	r.Get("/register/{clientID}", a.handleRegisterRead)
	r.Put("/register/{clientID}", a.handleRegisterUpdate)
	r.Delete("/register/{clientID}", a.handleRegisterDelete)

	return r
}
