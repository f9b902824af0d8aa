package reporting

import (
	"time"

	"github.com/scamguard/backend/internal/analytics/insights"
)

type ContentType string

const (
	ContentText    ContentType = "text"
	ContentTable   ContentType = "table"
	ContentChart   ContentType = "chart"
	ContentInsight ContentType = "insight"
	ContentMetric  ContentType = "metric"
)

// Report types select the summary synthesis rules.
const (
	ReportExecutive   = "executive"
	ReportPerformance = "performance"
	ReportSecurity    = "security"
	ReportGeneral     = "general"
)

// Export formats. PDF and XLSX are accepted but only produce a placeholder.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatHTML = "html"
	FormatPDF  = "pdf"
	FormatXLSX = "xlsx"
)

// Parameters understood by the built-in section generators.
const (
	ParamTitle          = "title"
	ParamInsightLimit   = "insight_limit"
	ParamLookbackDays   = "lookback_days"
	ParamMaxBlocked     = "max_blocked_users"
	ParamIncludeMembers = "include_members"
)

const DefaultInsightLimit = 10

type ReportSection struct {
	Title       string                 `json:"title"`
	ContentType ContentType            `json:"content_type"`
	Data        interface{}            `json:"data"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type GeneratedReport struct {
	ID            string                 `json:"id"`
	Title         string                 `json:"title"`
	Template      string                 `json:"template"`
	ReportType    string                 `json:"report_type"`
	GeneratedAt   time.Time              `json:"generated_at"`
	PeriodStart   time.Time              `json:"period_start"`
	PeriodEnd     time.Time              `json:"period_end"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	Sections      []ReportSection        `json:"sections"`
	Summary       string                 `json:"summary"`
	Insights      []insights.Insight     `json:"insights"`
	ExportFormats map[string]string      `json:"export_formats,omitempty"`
}

// clone copies the mutable export map so callers never share it with the cache.
func (r *GeneratedReport) clone() *GeneratedReport {
	c := *r
	c.ExportFormats = make(map[string]string, len(r.ExportFormats))
	for k, v := range r.ExportFormats {
		c.ExportFormats[k] = v
	}
	return &c
}

type Template struct {
	Name          string                 `json:"name" validate:"required"`
	Title         string                 `json:"title" validate:"required"`
	ReportType    string                 `json:"report_type" validate:"required"`
	Sections      []string               `json:"sections" validate:"required,min=1"`
	DefaultFormat string                 `json:"default_format" validate:"required,oneof=json csv html pdf xlsx"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
}

// GenerateRequest is the API payload for an ad-hoc report.
type GenerateRequest struct {
	Template   string                 `json:"template" validate:"required"`
	Start      *time.Time             `json:"start,omitempty"`
	End        *time.Time             `json:"end,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// StoredReport is the sidecar written next to every persisted export.
type StoredReport struct {
	ID           string       `json:"id"`
	ReportType   string       `json:"report_type"`
	GeneratedAt  time.Time    `json:"generated_at"`
	Period       StoredPeriod `json:"period"`
	ExportFormat string       `json:"export_format"`
	DownloadURL  string       `json:"download_url"`
	FileSize     int64        `json:"file_size"`
}

type StoredPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
