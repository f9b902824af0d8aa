package handlers

import (
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/scamguard/backend/internal/analytics/reporting"
	"github.com/scamguard/backend/internal/middleware/validation"
	apperrors "github.com/scamguard/backend/pkg/errors"
)

type ReportHandler struct {
	engine    *reporting.Engine
	scheduler *reporting.Scheduler
}

func NewReportHandler(engine *reporting.Engine, scheduler *reporting.Scheduler) *ReportHandler {
	return &ReportHandler{
		engine:    engine,
		scheduler: scheduler,
	}
}

var contentTypes = map[string]string{
	reporting.FormatJSON: fiber.MIMEApplicationJSONCharsetUTF8,
	reporting.FormatCSV:  "text/csv; charset=utf-8",
	reporting.FormatHTML: fiber.MIMETextHTMLCharsetUTF8,
	reporting.FormatPDF:  fiber.MIMETextPlainCharsetUTF8,
	reporting.FormatXLSX: fiber.MIMETextPlainCharsetUTF8,
}

type generateReportRequest struct {
	reporting.GenerateRequest
	// SaveAs persists an export of the new report in the given format.
	SaveAs string `json:"save_as" validate:"omitempty,oneof=json csv html"`
}

func (h *ReportHandler) Generate(c *fiber.Ctx) error {
	var req generateReportRequest
	if err := validation.Bind(c, &req); err != nil {
		return respondError(c, err)
	}

	report, err := h.engine.Generate(c.UserContext(), req.GenerateRequest)
	if err != nil {
		return respondError(c, err)
	}

	if req.SaveAs == "" {
		return c.Status(fiber.StatusCreated).JSON(report)
	}

	stored, err := h.engine.SaveExport(report.ID, req.SaveAs)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"report": report,
		"stored": stored,
	})
}

func (h *ReportHandler) Get(c *fiber.Ctx) error {
	report, err := h.engine.GetReport(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(report)
}

func (h *ReportHandler) Export(c *fiber.Ctx) error {
	format := c.Query("format", reporting.FormatJSON)

	content, _, err := h.engine.ExportReport(c.Params("id"), format)
	if err != nil {
		return respondError(c, err)
	}

	c.Set(fiber.HeaderContentType, contentTypes[format])
	return c.SendString(content)
}

// List returns reports generated since startup together with exports
// persisted on disk.
func (h *ReportHandler) List(c *fiber.Ctx) error {
	generated := h.engine.ListReports()

	stored := []reporting.StoredReport{}
	if store := h.engine.Store(); store != nil {
		list, err := store.List()
		if err != nil {
			return respondError(c, err)
		}
		stored = list
	}

	return c.JSON(fiber.Map{
		"generated": generated,
		"stored":    stored,
	})
}

func (h *ReportHandler) Templates(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"templates": h.engine.Templates(),
	})
}

// Download serves a stored export. The id may carry the file extension used
// in download URLs.
func (h *ReportHandler) Download(c *fiber.Ctx) error {
	id := c.Params("id")
	id = strings.TrimSuffix(id, filepath.Ext(id))

	store := h.engine.Store()
	if store == nil {
		return respondError(c, apperrors.NewNotFoundError("stored report", id))
	}

	path, meta, err := store.FilePath(id)
	if err != nil {
		return respondError(c, err)
	}

	c.Set(fiber.HeaderContentType, contentTypes[meta.ExportFormat])
	return c.Download(path)
}

func (h *ReportHandler) CreateSchedule(c *fiber.Ctx) error {
	var sched reporting.Schedule
	if err := c.BodyParser(&sched); err != nil {
		return respondError(c, apperrors.NewValidationError("INVALID_JSON", "request body is not valid JSON"))
	}

	created, err := h.scheduler.Add(sched)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *ReportHandler) ListSchedules(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"schedules": h.scheduler.List(),
	})
}

func (h *ReportHandler) DeleteSchedule(c *fiber.Ctx) error {
	if err := h.scheduler.Remove(c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ReportHandler) RunSchedule(c *fiber.Ctx) error {
	stored, err := h.scheduler.RunNow(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stored)
}
