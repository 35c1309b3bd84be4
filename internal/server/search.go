package server

import (
	"net/http"

	"github.com/agrichat/knowledge/internal/retrieval"
	"github.com/agrichat/knowledge/internal/runtime"
	"github.com/labstack/echo/v4"
)

type SearchHandler struct {
	Search     Searcher
	AdminScope string
}

type searchRequest struct {
	Query        string   `json:"query"`
	TopK         int      `json:"top_k"`
	Threshold    *float64 `json:"threshold"`
	ScopeToOwner bool     `json:"scope_to_owner"`
	Debug        bool     `json:"debug"`
}

func (h *SearchHandler) Register(g *echo.Group) {
	g.POST("/search", h.search)
}

// search ranks passages for a query. Debug output is limited to admins.
func (h *SearchHandler) search(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	q := retrieval.Query{
		Text:      req.Query,
		TopK:      req.TopK,
		Threshold: req.Threshold,
		Debug:     req.Debug && runtime.HasScope(ctx, h.AdminScope),
	}
	if req.ScopeToOwner {
		q.OwnerID, _ = runtime.SubjectFromContext(ctx)
	}
	res, err := h.Search.Search(ctx, q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
