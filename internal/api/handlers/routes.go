package handlers

import "github.com/gofiber/fiber/v2"

type Handlers struct {
	Analytics  *AnalyticsHandler
	Reports    *ReportHandler
	ABTests    *ABTestHandler
	Messages   *MessageHandler
	Evaluation *EvaluationHandler
}

// RegisterRoutes mounts the REST API on router, normally the /api/v1 group.
func RegisterRoutes(api fiber.Router, h Handlers) {
	api.Post("/messages", h.Messages.Receive)
	api.Put("/users/:phone/blocked", h.Messages.SetBlocked)
	api.Post("/classifier/evaluate", h.Evaluation.Evaluate)

	analytics := api.Group("/analytics")
	analytics.Get("/dashboard", h.Analytics.Dashboard)
	analytics.Get("/trends", h.Analytics.Trends)
	analytics.Get("/usage", h.Analytics.Usage)
	analytics.Get("/insights", h.Analytics.Insights)
	analytics.Post("/metrics", h.Analytics.Aggregate)
	analytics.Post("/patterns", h.Analytics.Patterns)
	analytics.Post("/clusters", h.Analytics.Clusters)

	reports := api.Group("/reports")
	reports.Get("/", h.Reports.List)
	reports.Post("/", h.Reports.Generate)
	reports.Get("/templates", h.Reports.Templates)
	reports.Get("/download/:id", h.Reports.Download)
	reports.Get("/schedules", h.Reports.ListSchedules)
	reports.Post("/schedules", h.Reports.CreateSchedule)
	reports.Delete("/schedules/:id", h.Reports.DeleteSchedule)
	reports.Post("/schedules/:id/run", h.Reports.RunSchedule)
	reports.Get("/:id", h.Reports.Get)
	reports.Get("/:id/export", h.Reports.Export)

	abtests := api.Group("/abtests")
	abtests.Get("/", h.ABTests.List)
	abtests.Post("/", h.ABTests.Create)
	abtests.Get("/:id", h.ABTests.Get)
	abtests.Post("/:id/start", h.ABTests.Start)
	abtests.Post("/:id/stop", h.ABTests.Stop)
	abtests.Post("/:id/complete", h.ABTests.Complete)
	abtests.Post("/:id/assign", h.ABTests.Assign)
	abtests.Post("/:id/samples", h.ABTests.RecordSample)
}
