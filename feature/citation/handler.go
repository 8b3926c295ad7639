package citation

import (
	"citation-capture/core/logger"
	"citation-capture/core/snapshot"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Handler handles HTTP requests for the citation registry.
type Handler struct {
	processor  *Processor
	namespaces *snapshot.Store
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler. namespaces may be nil.
func NewHandler(processor *Processor, namespaces *snapshot.Store, logger *zap.Logger) *Handler {
	return &Handler{processor: processor, namespaces: namespaces, logger: logger}
}

// RegisterRoutes registers the citation routes.
func (h *Handler) RegisterRoutes(app fiber.Router) {
	group := app.Group("/targets")
	group.Get("/", h.HandleGetTarget)
	group.Post("/curation", h.HandleApplyCuration)
	group.Delete("/curation", h.HandleResetCuration)

	if h.namespaces != nil {
		app.Get("/snapshots", h.HandleListSnapshots)
	}
}

// HandleGetTarget returns one target and its citation counts.
// @Summary Get Target
// @Description Returns the registry entry of a cited identifier with its citation counts per status.
// @Tags targets
// @Produce json
// @Param content query string true "Cited identifier"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string "Missing content"
// @Failure 404 {object} map[string]string "Target not found"
// @Router /targets [get]
func (h *Handler) HandleGetTarget(c *fiber.Ctx) error {
	content := c.Query("content")
	if content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "content is required"})
	}
	ctx := c.UserContext()
	store := h.processor.Store()

	t, err := store.FindTarget(ctx, content)
	if err != nil {
		logger.WithRayID(h.logger, c).Error("Failed to load target", zap.String("content", content), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if t == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "target not found"})
	}
	counts, err := store.CountByStatus(ctx, content)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"content":          t.Content,
		"content_type":     t.ContentType,
		"status":           t.Status,
		"bibcode":          t.Bibcode,
		"parsed_metadata":  t.Parsed(),
		"curated_metadata": t.CuratedMetadata,
		"curation_error":   t.CurationError,
		"associated_works": t.Works(),
		"citations":        counts,
	})
}

// HandleApplyCuration applies one curation entry.
// @Summary Apply Curation
// @Description Merges operator-supplied metadata overrides into a target and republishes it.
// @Tags targets
// @Accept json
// @Produce json
// @Param entry body CurationEntry true "Curation entry"
// @Success 200 {object} Report
// @Failure 400 {object} map[string]string "Invalid body"
// @Failure 422 {object} Report "Curation rejected"
// @Router /targets/curation [post]
func (h *Handler) HandleApplyCuration(c *fiber.Ctx) error {
	var entry CurationEntry
	if err := c.BodyParser(&entry); err != nil || entry.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "body must be {\"content\": ..., \"fields\": {...}}"})
	}
	logger.WithRayID(h.logger, c).Info("Applying curation", zap.String("content", entry.Content))

	report, err := h.processor.ApplyCuration(c.UserContext(), []CurationEntry{entry})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if report.Failed > 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(report)
	}
	return c.JSON(report)
}

// HandleResetCuration clears the curation of one target.
// @Summary Reset Curation
// @Description Discards the curated metadata of a target and recomputes its bibcode.
// @Tags targets
// @Produce json
// @Param content query string true "Cited identifier"
// @Success 200 {object} Report
// @Router /targets/curation [delete]
func (h *Handler) HandleResetCuration(c *fiber.Ctx) error {
	content := c.Query("content")
	if content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "content is required"})
	}
	report, err := h.processor.ResetCuration(c.UserContext(), []string{content})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if report.Total == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "target not found"})
	}
	return c.JSON(report)
}

// HandleListSnapshots lists the retained snapshot namespaces.
// @Summary List Snapshots
// @Tags snapshots
// @Produce json
// @Success 200 {array} snapshot.Namespace
// @Router /snapshots [get]
func (h *Handler) HandleListSnapshots(c *fiber.Ctx) error {
	all, err := h.namespaces.List(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(all)
}
