package api

import (
	"github.com/labstack/echo/v4"

	"kgindex/internal/auth"
	"kgindex/internal/rebuild"
	"kgindex/internal/store"
)

// App holds the dependencies shared by every handler.
type App struct {
	Store      *store.Store
	Controller *rebuild.Controller
	// Tokens checks operator bearer tokens. Nil disables operator routes.
	Tokens *auth.TokenService
}

// AppContext carries the App through echo handlers.
type AppContext struct {
	echo.Context
	App *App
	// Claims is set on operator routes once the bearer token is accepted.
	Claims *auth.Claims
}

// AppContextMiddleware wraps every request context in an AppContext.
func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{Context: c, App: app})
		}
	}
}

func appFrom(c echo.Context) *App {
	return c.(*AppContext).App
}
