package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/agrichat/knowledge/internal/documents"
	"github.com/agrichat/knowledge/internal/knowledge"
	"github.com/agrichat/knowledge/internal/runtime"
	"github.com/labstack/echo/v4"
)

// multipart framing allowance on top of the file size limit
const formOverhead = 1 << 20

type DocumentsHandler struct {
	Docs           DocumentService
	MaxUploadBytes int64
	Logger         *log.Logger
}

func (h *DocumentsHandler) Register(g *echo.Group) {
	g.POST("", h.upload)
	g.GET("", h.list)
	g.GET("/stats", h.stats)
	g.POST("/bulk-delete", h.bulkDelete)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.delete)
}

func (h *DocumentsHandler) upload(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, h.MaxUploadBytes+formOverhead)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return knowledge.ErrFileTooLarge
		}
		return echo.NewHTTPError(http.StatusBadRequest, "file field required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	owner, _ := runtime.SubjectFromContext(req.Context())
	doc, err := h.Docs.Create(req.Context(), documents.Upload{
		Filename: fh.Filename,
		MimeType: fh.Header.Get(echo.HeaderContentType),
		Size:     fh.Size,
		Body:     f,
		Category: c.FormValue("category"),
		Tags:     splitTags(c.Request().MultipartForm.Value["tags"]),
		OwnerID:  owner,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, doc)
}

// splitTags accepts repeated fields as well as comma separated values.
func splitTags(values []string) []string {
	var out []string
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

func (h *DocumentsHandler) list(c echo.Context) error {
	filter := knowledge.ListFilter{
		OwnerID:  c.QueryParam("owner"),
		Status:   knowledge.Status(strings.ToUpper(c.QueryParam("status"))),
		Category: c.QueryParam("category"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+c.QueryParam("status"))
	}
	var err error
	if filter.Limit, err = intParam(c, "limit"); err != nil {
		return err
	}
	if filter.Offset, err = intParam(c, "offset"); err != nil {
		return err
	}
	docs, err := h.Docs.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []knowledge.Document{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"documents": docs, "count": len(docs)})
}

func intParam(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}

func (h *DocumentsHandler) stats(c echo.Context) error {
	st, err := h.Docs.Stats(c.Request().Context(), c.QueryParam("owner"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (h *DocumentsHandler) get(c echo.Context) error {
	doc, found, err := h.Docs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if !found {
		return knowledge.ErrNotFound
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *DocumentsHandler) delete(c echo.Context) error {
	deleted, err := h.Docs.Delete(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": deleted})
}

func (h *DocumentsHandler) bulkDelete(c echo.Context) error {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.IDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "ids required")
	}
	return c.JSON(http.StatusOK, h.Docs.BulkDelete(c.Request().Context(), req.IDs))
}
