package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	syncsvc "skimmer/internal/sync"
)

type SyncHandler struct {
	service    *syncsvc.Service
	minFeedAge time.Duration
}

type syncStartedResponse struct {
	Status string `json:"status"`
}

func NewSyncHandler(service *syncsvc.Service, minFeedAge time.Duration) *SyncHandler {
	return &SyncHandler{service: service, minFeedAge: minFeedAge}
}

func (h *SyncHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/sync", h.Trigger)
	g.GET("/sync", h.Status)
}

// Trigger starts a sync pass in the background. Scope and force flags come
// from query parameters; an already-running pass yields 409.
func (h *SyncHandler) Trigger(c echo.Context) error {
	if h.service.IsSyncing() {
		return c.JSON(http.StatusConflict, errorResponse{Error: syncsvc.ErrSyncInProgress.Error()})
	}

	opts := syncsvc.Options{MinFeedAge: h.minFeedAge}
	if raw := c.QueryParam("feedId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid feedId"})
		}
		opts.FeedID = &id
	}
	if raw := c.QueryParam("tag"); raw != "" {
		tag := raw
		opts.Tag = &tag
	}
	if raw := c.QueryParam("force"); raw == "true" || raw == "1" {
		opts.ForceNetwork = true
	}

	// The pass outlives the request; run it on its own context.
	go h.service.SyncFeeds(context.Background(), opts)

	return c.JSON(http.StatusAccepted, syncStartedResponse{Status: "started"})
}

func (h *SyncHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"syncing": h.service.IsSyncing()})
}
