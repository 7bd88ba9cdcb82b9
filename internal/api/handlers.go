package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/apptrail/apptrail/internal/config"
	"github.com/apptrail/apptrail/internal/event"
	"github.com/apptrail/apptrail/internal/filter"
	"github.com/apptrail/apptrail/internal/group"
	"github.com/apptrail/apptrail/internal/journey"
	"github.com/apptrail/apptrail/internal/service"
	"github.com/apptrail/apptrail/internal/utils"
)

// Handler binds HTTP requests to the issue service.
type Handler struct {
	logger *slog.Logger
	svc    *service.IssueService
	query  config.QueryConfig
}

// NewRouter builds the gin engine with all routes registered. The query
// config supplies the page size bounds applied to every filtered request.
func NewRouter(logger *slog.Logger, svc *service.IssueService, query config.QueryConfig) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{logger: logger, svc: svc, query: query}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.health)

	apps := r.Group("/apps/:id")
	apps.POST("/events", h.ingestOccurrence)
	apps.GET("/journey", h.getJourney)
	apps.GET("/crashGroups", h.getGroups(group.IssueCrash))
	apps.GET("/crashGroups/:groupId/crashes", h.getGroupOccurrences(group.IssueCrash))
	apps.GET("/anrGroups", h.getGroups(group.IssueANR))
	apps.GET("/anrGroups/:groupId/anrs", h.getGroupOccurrences(group.IssueANR))
	apps.GET("/filters", h.getFilters)

	return r
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ingestOccurrence(c *gin.Context) {
	appID, ok := h.appID(c)
	if !ok {
		return
	}

	var o event.Occurrence
	if err := c.ShouldBindJSON(&o); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid occurrence payload", "details": err.Error()})
		return
	}
	o.AppID = appID

	groupID, err := h.svc.IngestOccurrence(c.Request.Context(), &o)
	if err != nil {
		h.writeError(c, err, "failed to ingest occurrence")
		return
	}

	resp := gin.H{"id": o.ID}
	if groupID != uuid.Nil {
		resp["group_id"] = groupID
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) getGroups(kind group.IssueKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		af, ok := h.bindFilter(c)
		if !ok {
			return
		}

		var list *service.GroupList
		var err error
		if kind == group.IssueANR {
			list, err = h.svc.GetANRGroups(c.Request.Context(), af)
		} else {
			list, err = h.svc.GetCrashGroups(c.Request.Context(), af)
		}
		if err != nil {
			h.writeError(c, err, "failed to list groups")
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"results": list.Results,
			"meta":    gin.H{"next": list.Next, "previous": list.Previous},
		})
	}
}

func (h *Handler) getGroupOccurrences(kind group.IssueKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		af, ok := h.bindFilter(c)
		if !ok {
			return
		}
		groupID, err := uuid.Parse(c.Param("groupId"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "group id invalid or missing"})
			return
		}

		list, err := h.svc.GetGroupOccurrences(c.Request.Context(), af, kind, groupID)
		if err != nil {
			h.writeError(c, err, "failed to list group occurrences")
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"results": list.Results,
			"meta":    gin.H{"next": list.Next, "previous": list.Previous},
		})
	}
}

func (h *Handler) getJourney(c *gin.Context) {
	af, ok := h.bindFilter(c)
	if !ok {
		return
	}

	bidirectional, err := strconv.ParseBool(c.DefaultQuery("bigraph", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "`bigraph` must be a boolean"})
		return
	}

	res, err := h.svc.GetJourney(c.Request.Context(), af, journey.Options{Bidirectional: bidirectional})
	if err != nil {
		h.writeError(c, err, "failed to compute journey")
		return
	}

	type nodeView struct {
		ID     string `json:"id"`
		Issues gin.H  `json:"issues"`
	}
	nodes := make([]nodeView, 0, len(res.Nodes))
	for _, n := range res.Nodes {
		nodes = append(nodes, nodeView{
			ID:     n.ID,
			Issues: gin.H{"crashes": n.Crashes, "anrs": n.ANRs},
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"totalIssues": res.TotalIssues,
		"nodes":       nodes,
		"links":       res.Links,
	})
}

func (h *Handler) getFilters(c *gin.Context) {
	appID, ok := h.appID(c)
	if !ok {
		return
	}

	facets, err := h.svc.GetFilterFacets(c.Request.Context(), appID)
	if err != nil {
		h.writeError(c, err, "failed to list filters")
		return
	}
	c.JSON(http.StatusOK, facets)
}

func (h *Handler) appID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "app id invalid or missing"})
		return uuid.Nil, false
	}
	return id, true
}

// bindFilter parses, expands and validates the query filter, applying the
// default time range when none was requested.
func (h *Handler) bindFilter(c *gin.Context) (*filter.AppFilter, bool) {
	appID, ok := h.appID(c)
	if !ok {
		return nil, false
	}

	af := filter.AppFilter{AppID: appID}
	if err := c.ShouldBindQuery(&af); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filter binding failed", "details": err.Error()})
		return nil, false
	}

	af.SetLimitBounds(h.query.DefaultLimit, h.query.MaxLimit)
	af.Expand()

	if err := af.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filter validation failed", "details": err.Error()})
		return nil, false
	}
	if err := af.ValidateVersions(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filter validation failed", "details": err.Error()})
		return nil, false
	}

	if !af.HasTimeRange() {
		af.SetDefaultTimeRange()
	}
	return &af, true
}

func (h *Handler) writeError(c *gin.Context, err error, msg string) {
	switch utils.KindOf(err) {
	case utils.KindInvalid:
		c.JSON(http.StatusBadRequest, gin.H{"error": msg, "details": err.Error()})
	case utils.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": msg})
	default:
		h.logger.Error(msg, slog.String("path", c.FullPath()), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
