package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"github.com/labstack/echo/v4"
)

// Opener is implemented by the drivers whose links point back at this
// server.
type Opener interface {
	Open(ctx context.Context, path string) (io.ReadCloser, *Object, error)
	Signer() *Signer
}

// FileHandler serves signed links issued by the memory and fs drivers.
type FileHandler struct {
	store Opener
}

func NewFileHandler(store Opener) *FileHandler {
	return &FileHandler{store: store}
}

// RegisterRoutes mounts GET /files/* on the root router. The path carries
// its own authorization in the signature.
func (h *FileHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/files/*", h.handleDownload)
}

func (h *FileHandler) handleDownload(c echo.Context) error {
	raw, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid path")
	}
	key, err := cleanKey(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.store.Signer().Verify(key, c.QueryParam("expires"), c.QueryParam("signature")); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}

	rc, obj, err := h.store.Open(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open document")
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, path.Base(key)))
	return c.Stream(http.StatusOK, obj.MimeType, rc)
}
