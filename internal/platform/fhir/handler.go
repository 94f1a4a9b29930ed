package fhir

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinrepo/clinrepo/internal/platform/telemetry"
	"github.com/clinrepo/clinrepo/pkg/pagination"
)

// Handler is the HTTP surface of the repository: one generic set of
// echo handlers serving every supported resource type.
type Handler struct {
	store       *Store
	compiler    *Compiler
	coordinator *Coordinator
	matcher     *Matcher
	metrics     *telemetry.Metrics
	log         zerolog.Logger
}

func NewHandler(store *Store, compiler *Compiler, coordinator *Coordinator, matcher *Matcher, metrics *telemetry.Metrics, log zerolog.Logger) *Handler {
	return &Handler{
		store:       store,
		compiler:    compiler,
		coordinator: coordinator,
		matcher:     matcher,
		metrics:     metrics,
		log:         log.With().Str("component", "handler").Logger(),
	}
}

// RegisterRoutes mounts the interaction surface on the fhir group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.Metadata)
	g.POST("", h.Transaction)
	g.POST("/", h.Transaction)

	g.GET("/:type", h.Search)
	g.POST("/:type/_search", h.Search)
	g.POST("/:type", h.Create)
	g.POST("/:type/$match", h.Match)
	g.GET("/:type/_history", h.TypeHistory)

	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.DELETE("/:type/:id", h.Delete)
	g.GET("/:type/:id/_history", h.History)
	g.GET("/:type/:id/_history/:vid", h.VRead)
}

func (h *Handler) Create(c echo.Context) error {
	resourceType := c.Param("type")
	doc, err := decodeDocument(c)
	if err != nil {
		return h.fail(c, InteractionCreate, resourceType, err)
	}
	if rt := doc.ResourceType(); rt != "" && rt != resourceType {
		return h.fail(c, InteractionCreate, resourceType,
			ValidationError("resource type %q does not match request path %q", rt, resourceType))
	}

	stored, outcome, err := h.store.Create(c.Request().Context(), resourceType, doc)
	if err != nil {
		return h.fail(c, InteractionCreate, resourceType, err)
	}
	if outcome != nil {
		h.count(InteractionCreate, resourceType, http.StatusBadRequest)
		return c.JSON(http.StatusBadRequest, outcome)
	}

	setVersionHeaders(c, stored.VersionID, stored.LastUpdated)
	c.Response().Header().Set("Location", FormatLocation(stored.ResourceType, stored.ID, stored.VersionID))
	h.count(InteractionCreate, resourceType, http.StatusCreated)
	return c.JSON(http.StatusCreated, stored.Resource)
}

func (h *Handler) Read(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	stored, err := h.store.Read(c.Request().Context(), resourceType, id)
	if err != nil {
		return h.fail(c, InteractionRead, resourceType, err)
	}
	setVersionHeaders(c, stored.VersionID, stored.LastUpdated)
	h.count(InteractionRead, resourceType, http.StatusOK)
	return c.JSON(http.StatusOK, stored.Resource)
}

func (h *Handler) VRead(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	versionID, err := ParseVersionID(c.Param("vid"))
	if err != nil {
		return h.fail(c, InteractionVRead, resourceType, ValidationError("%s", err.Error()))
	}
	rec, err := h.store.VRead(c.Request().Context(), resourceType, id, versionID)
	if err != nil {
		return h.fail(c, InteractionVRead, resourceType, err)
	}
	setVersionHeaders(c, rec.VersionID, rec.LastUpdated)
	h.count(InteractionVRead, resourceType, http.StatusOK)
	return c.JSON(http.StatusOK, rec.Resource)
}

func (h *Handler) Update(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	doc, err := decodeDocument(c)
	if err != nil {
		return h.fail(c, InteractionUpdate, resourceType, err)
	}

	ifMatch := 0
	if tag := c.Request().Header.Get("If-Match"); tag != "" {
		ifMatch, err = ParseETag(tag)
		if err != nil {
			return h.fail(c, InteractionUpdate, resourceType, err)
		}
	}

	stored, created, outcome, err := h.store.Update(c.Request().Context(), resourceType, id, doc, ifMatch)
	if err != nil {
		return h.fail(c, InteractionUpdate, resourceType, err)
	}
	if outcome != nil {
		h.count(InteractionUpdate, resourceType, http.StatusBadRequest)
		return c.JSON(http.StatusBadRequest, outcome)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		c.Response().Header().Set("Location", FormatLocation(stored.ResourceType, stored.ID, stored.VersionID))
	}
	setVersionHeaders(c, stored.VersionID, stored.LastUpdated)
	h.count(InteractionUpdate, resourceType, status)
	return c.JSON(status, stored.Resource)
}

func (h *Handler) Delete(c echo.Context) error {
	resourceType, id := c.Param("type"), c.Param("id")
	purge := c.QueryParam("_purge") == "true"
	if err := h.store.Delete(c.Request().Context(), resourceType, id, purge); err != nil {
		return h.fail(c, InteractionDelete, resourceType, err)
	}
	h.count(InteractionDelete, resourceType, http.StatusNoContent)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Search(c echo.Context) error {
	resourceType := c.Param("type")

	values := c.QueryParams()
	if c.Request().Method == http.MethodPost {
		if err := c.Request().ParseForm(); err == nil {
			for k, vs := range c.Request().PostForm {
				values[k] = append(values[k], vs...)
			}
		}
	}

	filter, err := h.compiler.Compile(c.Request().Context(), resourceType, values)
	if err != nil {
		return h.fail(c, InteractionSearch, resourceType, err)
	}

	pg := pagination.FromContext(c)
	if filter.CountOnly {
		_, total, err := h.store.Search(c.Request().Context(), filter, 0, 0)
		if err != nil {
			return h.fail(c, InteractionSearch, resourceType, err)
		}
		h.count(InteractionSearch, resourceType, http.StatusOK)
		return c.JSON(http.StatusOK, NewCountBundle(total))
	}

	docs, total, err := h.store.Search(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, InteractionSearch, resourceType, err)
	}

	bundle := NewSearchBundle(docs, total)
	for _, link := range pg.FHIRLinks(c.Path(), total) {
		bundle.Link = append(bundle.Link, BundleLink{Relation: link.Relation, URL: link.URL})
	}
	h.count(InteractionSearch, resourceType, http.StatusOK)
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) History(c echo.Context) error {
	return h.history(c, c.Param("type"), c.Param("id"))
}

func (h *Handler) TypeHistory(c echo.Context) error {
	return h.history(c, c.Param("type"), "")
}

func (h *Handler) history(c echo.Context, resourceType, id string) error {
	since, err := parseSince(c.QueryParam("_since"))
	if err != nil {
		return h.fail(c, InteractionHistory, resourceType, err)
	}

	pg := pagination.FromContext(c)
	recs, total, err := h.store.History(c.Request().Context(), resourceType, id, since, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, InteractionHistory, resourceType, err)
	}
	h.count(InteractionHistory, resourceType, http.StatusOK)
	return c.JSON(http.StatusOK, NewHistoryBundle(recs, total))
}

func (h *Handler) Transaction(c echo.Context) error {
	doc, err := decodeDocument(c)
	if err != nil {
		return h.fail(c, InteractionTransaction, "Bundle", err)
	}
	bundle, err := h.coordinator.Process(c.Request().Context(), doc)
	if err != nil {
		return h.fail(c, InteractionTransaction, "Bundle", err)
	}
	h.count(InteractionTransaction, "Bundle", http.StatusOK)
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) Match(c echo.Context) error {
	resourceType := c.Param("type")
	params, err := decodeDocument(c)
	if err != nil {
		return h.fail(c, InteractionMatch, resourceType, err)
	}
	start := time.Now()
	bundle, err := h.matcher.Match(c.Request().Context(), resourceType, params)
	if err != nil {
		return h.fail(c, InteractionMatch, resourceType, err)
	}
	if h.metrics != nil {
		h.metrics.ObserveMatchScan(time.Since(start))
	}
	h.count(InteractionMatch, resourceType, http.StatusOK)
	return c.JSON(http.StatusOK, bundle)
}

// Metadata serves the CapabilityStatement generated from the loaded
// search parameter tables.
func (h *Handler) Metadata(c echo.Context) error {
	return c.JSON(http.StatusOK, h.capabilityStatement())
}

func (h *Handler) capabilityStatement() Document {
	types := h.store.Registry().ResourceTypes()
	resources := make([]interface{}, 0, len(types))
	for _, rt := range types {
		interactions := []interface{}{
			map[string]interface{}{"code": "create"},
			map[string]interface{}{"code": "read"},
			map[string]interface{}{"code": "vread"},
			map[string]interface{}{"code": "update"},
			map[string]interface{}{"code": "delete"},
			map[string]interface{}{"code": "search-type"},
			map[string]interface{}{"code": "history-type"},
			map[string]interface{}{"code": "history-instance"},
		}
		var searchParams []interface{}
		for _, def := range h.store.Registry().Table(rt) {
			searchParams = append(searchParams, map[string]interface{}{
				"name": def.Code,
				"type": string(def.Type),
			})
		}
		res := map[string]interface{}{
			"type":        rt,
			"versioning":  "versioned",
			"interaction": interactions,
		}
		if searchParams != nil {
			res["searchParam"] = searchParams
		}
		if h.matcher != nil && h.matcher.Supports(rt) {
			res["operation"] = []interface{}{
				map[string]interface{}{"name": "match", "definition": "http://hl7.org/fhir/OperationDefinition/Patient-match"},
			}
		}
		resources = append(resources, res)
	}

	return Document{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []interface{}{"application/fhir+json", "json"},
		"rest": []interface{}{
			map[string]interface{}{
				"mode":        "server",
				"resource":    resources,
				"interaction": []interface{}{map[string]interface{}{"code": "transaction"}, map[string]interface{}{"code": "batch"}},
			},
		},
	}
}

func (h *Handler) fail(c echo.Context, interaction Interaction, resourceType string, err error) error {
	fe := AsError(err)
	if fe.Status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("type", resourceType).Str("interaction", string(interaction)).Msg("interaction failed")
	}
	h.count(interaction, resourceType, fe.Status)
	return c.JSON(fe.Status, fe.Outcome())
}

func (h *Handler) count(interaction Interaction, resourceType string, status int) {
	if h.metrics != nil {
		h.metrics.Interaction(string(interaction), resourceType, strconv.Itoa(status))
	}
}

func decodeDocument(c echo.Context) (Document, error) {
	var doc Document
	if err := json.NewDecoder(c.Request().Body).Decode(&doc); err != nil {
		return nil, ValidationError("request body is not a JSON object")
	}
	return doc, nil
}

func setVersionHeaders(c echo.Context, versionID int, lastUpdated time.Time) {
	c.Response().Header().Set("ETag", FormatETag(versionID))
	c.Response().Header().Set("Last-Modified", lastUpdated.UTC().Format(http.TimeFormat))
}

func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ValidationError("invalid _since value %q", raw)
}
