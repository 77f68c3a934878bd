package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"skimmer/internal/model"
	"skimmer/internal/repository"
)

type FeedHandler struct {
	feeds repository.FeedRepository
	items repository.ItemRepository
}

type feedResponse struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	URL               string  `json:"url"`
	Tag               *string `json:"tag,omitempty"`
	ImageURL          *string `json:"imageUrl,omitempty"`
	LastSync          *string `json:"lastSync,omitempty"`
	RetryAfter        *string `json:"retryAfter,omitempty"`
	FullTextByDefault bool    `json:"fullTextByDefault"`
	CurrentlySyncing  bool    `json:"currentlySyncing"`
}

type itemResponse struct {
	ID           string  `json:"id"`
	Title        *string `json:"title,omitempty"`
	Snippet      *string `json:"snippet,omitempty"`
	ThumbnailURL *string `json:"thumbnailUrl,omitempty"`
	Author       *string `json:"author,omitempty"`
	Link         *string `json:"link,omitempty"`
	PubDate      *string `json:"pubDate,omitempty"`
	Read         bool    `json:"read"`
	Bookmarked   bool    `json:"bookmarked"`
	WordCount    int     `json:"wordCount"`
}

func NewFeedHandler(feeds repository.FeedRepository, items repository.ItemRepository) *FeedHandler {
	return &FeedHandler{feeds: feeds, items: items}
}

func (h *FeedHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/feeds", h.List)
	g.GET("/feeds/:id/items", h.ListItems)
}

func (h *FeedHandler) List(c echo.Context) error {
	var tag *string
	if raw := c.QueryParam("tag"); raw != "" {
		tag = &raw
	}
	feeds, err := h.feeds.List(c.Request().Context(), tag)
	if err != nil {
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
	out := make([]feedResponse, 0, len(feeds))
	for _, feed := range feeds {
		out = append(out, toFeedResponse(feed))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *FeedHandler) ListItems(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid feed id"})
	}
	items, err := h.items.ListByFeed(c.Request().Context(), id)
	if err != nil {
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
	out := make([]itemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toItemResponse(item))
	}
	return c.JSON(http.StatusOK, out)
}

func toFeedResponse(feed model.Feed) feedResponse {
	return feedResponse{
		ID:                strconv.FormatInt(feed.ID, 10),
		Title:             feed.Title,
		URL:               feed.URL,
		Tag:               feed.Tag,
		ImageURL:          feed.ImageURL,
		LastSync:          formatTimePtr(feed.LastSync),
		RetryAfter:        formatTimePtr(feed.RetryAfter),
		FullTextByDefault: feed.FullTextByDefault,
		CurrentlySyncing:  feed.CurrentlySyncing,
	}
}

func toItemResponse(item model.FeedItem) itemResponse {
	return itemResponse{
		ID:           strconv.FormatInt(item.ID, 10),
		Title:        item.Title,
		Snippet:      item.Snippet,
		ThumbnailURL: item.ThumbnailURL,
		Author:       item.Author,
		Link:         item.Link,
		PubDate:      formatTimePtr(item.PubDate),
		Read:         item.Read(),
		Bookmarked:   item.Bookmarked,
		WordCount:    item.WordCount,
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
