package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"skimmer/internal/handler"
)

func NewRouter(
	syncHandler *handler.SyncHandler,
	feedHandler *handler.FeedHandler,
	itemHandler *handler.ItemHandler,
) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	e.GET("/api/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api")
	syncHandler.RegisterRoutes(api)
	feedHandler.RegisterRoutes(api)
	itemHandler.RegisterRoutes(api)

	return e
}
