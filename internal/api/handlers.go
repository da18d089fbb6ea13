package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/couchcryptid/weather-ingest-service/internal/domain"
)

const (
	// maxBodyBytes bounds an observation payload.
	maxBodyBytes = 1 << 20
	// maxPage keeps (page-1)*page_size well inside int range.
	maxPage = 1_000_000
)

type handler struct {
	store  Store
	logger *slog.Logger
}

type pageQuery struct {
	Page     int `form:"page,default=1" binding:"min=1,max=1000000"`
	PageSize int `form:"page_size,default=20" binding:"min=1,max=100"`
}

func errorBody(detail string) gin.H {
	return gin.H{"detail": detail}
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "weather-api"})
}

// create ingests one observation payload. Malformed or incomplete payloads
// get 400; storage failures get 500 and are logged.
func (h *handler) create(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("could not read request body: "+err.Error()))
		return
	}

	in, err := domain.ParseObservation(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	obs, err := h.store.RecordObservation(c.Request.Context(), in)
	if err != nil {
		h.logger.Error("record observation failed",
			"error", err,
			"request_id", c.GetString(requestIDKey),
			"lat", in.Location.Lat,
			"lon", in.Location.Lon,
			"localtime_epoch", in.Location.LocaltimeEpoch,
		)
		c.JSON(http.StatusInternalServerError, errorBody("failed to store observation"))
		return
	}
	c.JSON(http.StatusCreated, obs)
}

func (h *handler) list(c *gin.Context) {
	q, ok := bindPage(c)
	if !ok {
		return
	}
	page, err := h.store.List(c.Request.Context(), q.Page, q.PageSize)
	if err != nil {
		h.internalError(c, "list observations failed", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *handler) get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorBody("id must be a positive integer"))
		return
	}
	obs, err := h.store.Get(c.Request.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorBody("weather record not found"))
		return
	}
	if err != nil {
		h.internalError(c, "get observation failed", err)
		return
	}
	c.JSON(http.StatusOK, obs)
}

func (h *handler) listByLocation(c *gin.Context) {
	q, ok := bindPage(c)
	if !ok {
		return
	}
	name := c.Param("name")
	page, err := h.store.ListByLocationName(c.Request.Context(), name, q.Page, q.PageSize)
	if err != nil {
		h.internalError(c, "list observations by location failed", err)
		return
	}
	if len(page.Records) == 0 {
		c.JSON(http.StatusNotFound, errorBody("no weather records found for location: "+name))
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *handler) latestByLocation(c *gin.Context) {
	name := c.Param("name")
	obs, err := h.store.LatestByLocationName(c.Request.Context(), name)
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorBody("no weather records found for location: "+name))
		return
	}
	if err != nil {
		h.internalError(c, "latest observation failed", err)
		return
	}
	c.JSON(http.StatusOK, obs)
}

func bindPage(c *gin.Context) (pageQuery, bool) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("page must be between 1 and %d and page_size between 1 and 100", maxPage)))
		return q, false
	}
	return q, true
}

func (h *handler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", c.GetString(requestIDKey))
	c.JSON(http.StatusInternalServerError, errorBody("internal server error"))
}
