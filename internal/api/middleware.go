package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"kgindex/internal/auth"
)

// OperatorMiddleware admits requests bearing a token with the rebuild scope.
// Operator routes answer 403 when the server has no API secret.
func OperatorMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ac := c.(*AppContext)
		if ac.App.Tokens == nil {
			return message(c, http.StatusForbidden, "Operator routes are disabled")
		}

		token := auth.ExtractBearerToken(c.Request().Header.Get("Authorization"))
		if token == "" {
			return message(c, http.StatusUnauthorized, "Unauthorized")
		}
		claims, err := ac.App.Tokens.Validate(token)
		if errors.Is(err, auth.ErrTokenExpired) {
			return message(c, http.StatusUnauthorized, "Token expired")
		}
		if err != nil {
			return message(c, http.StatusUnauthorized, "Unauthorized")
		}
		if !claims.HasScope(auth.ScopeRebuild) {
			return message(c, http.StatusForbidden, "Missing rebuild scope")
		}

		ac.Claims = claims
		return next(c)
	}
}
