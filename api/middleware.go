package api

import (
	"compress/gzip"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// corsAllowHeaders are the request headers browser clients may send.
var corsAllowHeaders = []string{
	echo.HeaderAuthorization,
	echo.HeaderContentType,
	echo.HeaderAccept,
	echo.HeaderOrigin,
	"X-Client-Info",
	"Apikey",
}

// CORS answers preflight requests for every route without consulting
// authentication.
func CORS() echo.MiddlewareFunc {
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: corsAllowHeaders,
	})
}

// GzipRequestMiddleware inflates gzip request bodies. A body that is not
// gzip despite its Content-Encoding is answered with 400.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	decompress := middleware.Decompress()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		h := decompress(next)
		return func(c echo.Context) error {
			err := h(c)
			if errors.Is(err, gzip.ErrHeader) || errors.Is(err, gzip.ErrChecksum) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			return err
		}
	}
}
