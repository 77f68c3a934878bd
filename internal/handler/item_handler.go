package handler

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"skimmer/internal/blob"
	"skimmer/internal/logger"
	"skimmer/internal/remote"
	"skimmer/internal/repository"
)

type ItemHandler struct {
	feeds  repository.FeedRepository
	items  repository.ItemRepository
	blobs  *blob.Store
	remote *remote.Client
}

// remoteClient may be nil; read marks then stay local.
func NewItemHandler(feeds repository.FeedRepository, items repository.ItemRepository, blobs *blob.Store, remoteClient *remote.Client) *ItemHandler {
	return &ItemHandler{feeds: feeds, items: items, blobs: blobs, remote: remoteClient}
}

func (h *ItemHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/items/:id/read", h.MarkRead)
	g.POST("/items/:id/bookmark", h.Bookmark)
	g.DELETE("/items/:id/bookmark", h.Unbookmark)
	g.GET("/items/:id/content", h.Content)
}

func (h *ItemHandler) MarkRead(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid item id"})
	}
	ctx := c.Request().Context()

	item, err := h.items.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "item not found"})
		}
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
	feed, err := h.feeds.GetByID(ctx, item.FeedID)
	if err != nil {
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}

	now := time.Now().UTC()
	if err := h.items.MarkRead(ctx, id, now); err != nil {
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}

	if h.remote != nil {
		mark := remote.RemoteReadMark{FeedURL: feed.URL, ItemGUID: item.GUID, MarkedAt: now}
		if err := h.remote.MarkAsRead(ctx, []remote.RemoteReadMark{mark}); err != nil {
			// Local state is authoritative; the mark stays queued and the
			// next sync pass replays it.
			logger.Warn("remote markAsRead failed", "module", "handler", "item_id", id, "error", err)
		} else if err := h.items.MarkReadPushed(ctx, []int64{id}); err != nil {
			logger.Warn("read push record failed", "module", "handler", "item_id", id, "error", err)
		}
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *ItemHandler) Bookmark(c echo.Context) error {
	return h.setBookmarked(c, true)
}

func (h *ItemHandler) Unbookmark(c echo.Context) error {
	return h.setBookmarked(c, false)
}

func (h *ItemHandler) setBookmarked(c echo.Context, bookmarked bool) error {
	id, err := parseID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid item id"})
	}
	if err := h.items.UpdateBookmarked(c.Request().Context(), id, bookmarked); err != nil {
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
	return c.NoContent(http.StatusNoContent)
}

// Content serves the stored article HTML, preferring the extracted full
// text over the feed-supplied body.
func (h *ItemHandler) Content(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid item id"})
	}

	if content, err := h.blobs.ReadFullText(id); err == nil {
		return c.HTML(http.StatusOK, content)
	}
	if content, err := h.blobs.ReadBody(id); err == nil {
		return c.HTML(http.StatusOK, content)
	}
	return c.JSON(http.StatusNotFound, errorResponse{Error: "no stored content"})
}

func parseID(c echo.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}
