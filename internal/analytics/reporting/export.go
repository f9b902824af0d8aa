package reporting

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/scamguard/backend/internal/analytics/insights"
	apperrors "github.com/scamguard/backend/pkg/errors"
)

// SupportedFormats lists every format ExportReport accepts.
var SupportedFormats = []string{FormatJSON, FormatCSV, FormatHTML, FormatPDF, FormatXLSX}

func isPlaceholder(format string) bool {
	return format == FormatPDF || format == FormatXLSX
}

func render(report *GeneratedReport, format string) (string, error) {
	switch format {
	case FormatJSON:
		return renderJSON(report)
	case FormatCSV:
		return renderCSV(report)
	case FormatHTML:
		return renderHTML(report)
	case FormatPDF, FormatXLSX:
		return fmt.Sprintf("%s export is not implemented yet for report %s; use json, csv or html instead",
			strings.ToUpper(format), report.ID), nil
	}
	return "", apperrors.NewValidationError("UNSUPPORTED_FORMAT",
		fmt.Sprintf("unsupported export format %q", format)).
		WithDetails(map[string]interface{}{"supported_formats": SupportedFormats})
}

func renderJSON(report *GeneratedReport) (string, error) {
	dump := *report
	dump.ExportFormats = nil

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	return string(data), nil
}

type row struct {
	Key   string
	Value string
}

// flattenValue turns any JSON-encodable value into sorted dot-keyed rows.
// Slice elements are keyed by index.
func flattenValue(v interface{}) ([]row, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}

	rows := make([]row, 0)
	flatten("", generic, &rows)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows, nil
}

func flatten(prefix string, v interface{}, rows *[]row) {
	switch val := v.(type) {
	case map[string]interface{}:
		if len(val) == 0 && prefix != "" {
			*rows = append(*rows, row{Key: prefix})
		}
		for k, child := range val {
			flatten(join(prefix, k), child, rows)
		}
	case []interface{}:
		if len(val) == 0 && prefix != "" {
			*rows = append(*rows, row{Key: prefix})
		}
		for i, child := range val {
			flatten(join(prefix, strconv.Itoa(i)), child, rows)
		}
	default:
		key := prefix
		if key == "" {
			key = "value"
		}
		*rows = append(*rows, row{Key: key, Value: scalar(val)})
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func scalar(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	}
	return fmt.Sprint(v)
}

func renderCSV(report *GeneratedReport) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	records := [][]string{
		{"section", "key", "value"},
		{"report", "id", report.ID},
		{"report", "title", report.Title},
		{"report", "report_type", report.ReportType},
		{"report", "generated_at", report.GeneratedAt.Format(time.RFC3339)},
		{"report", "period_start", report.PeriodStart.Format(time.RFC3339)},
		{"report", "period_end", report.PeriodEnd.Format(time.RFC3339)},
		{"report", "summary", report.Summary},
	}

	for _, s := range report.Sections {
		rows, err := flattenValue(s.Data)
		if err != nil {
			return "", fmt.Errorf("failed to flatten section %q: %w", s.Title, err)
		}
		for _, r := range rows {
			records = append(records, []string{s.Title, r.Key, r.Value})
		}
	}

	rows, err := flattenValue(report.Insights)
	if err != nil {
		return "", fmt.Errorf("failed to flatten insights: %w", err)
	}
	for _, r := range rows {
		records = append(records, []string{"insights", r.Key, r.Value})
	}

	if err := w.WriteAll(records); err != nil {
		return "", fmt.Errorf("failed to write csv: %w", err)
	}
	return buf.String(), nil
}

type htmlSection struct {
	Title       string
	ContentType ContentType
	Text        string
	Rows        []row
}

type htmlReport struct {
	Report   *GeneratedReport
	Sections []htmlSection
	Insights []insights.Insight
}

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"pct": func(v float64) string { return strconv.FormatFloat(v*100, 'f', 0, 64) + "%" },
	"ts":  func(t time.Time) string { return t.Format("2006-01-02 15:04 MST") },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Report.Title}}</title>
<style>
body { font-family: Helvetica, Arial, sans-serif; margin: 40px; color: #222; }
h1 { border-bottom: 2px solid #2c3e50; padding-bottom: 8px; }
.meta { color: #666; font-size: 0.9em; }
.summary { background: #f4f6f8; padding: 12px 16px; border-radius: 4px; }
.section { margin-top: 28px; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ddd; padding: 6px 10px; text-align: left; }
th { background: #2c3e50; color: #fff; }
.insight { border-left: 4px solid #3498db; padding: 8px 14px; margin: 10px 0; background: #fafafa; }
.insight-high { border-left-color: #e67e22; }
.insight-critical { border-left-color: #c0392b; background: #fdecea; }
.insight-low { border-left-color: #95a5a6; }
</style>
</head>
<body>
<h1>{{.Report.Title}}</h1>
<p class="meta">Report {{.Report.ID}} generated {{ts .Report.GeneratedAt}} for {{ts .Report.PeriodStart}} to {{ts .Report.PeriodEnd}}</p>
<p class="summary">{{.Report.Summary}}</p>
{{range .Sections}}
<div class="section section-{{.ContentType}}">
<h2>{{.Title}}</h2>
{{if .Text}}<p>{{.Text}}</p>{{else}}
<table>
<tr><th>Key</th><th>Value</th></tr>
{{range .Rows}}<tr><td>{{.Key}}</td><td>{{.Value}}</td></tr>
{{end}}</table>{{end}}
</div>
{{end}}
{{if .Insights}}
<div class="section">
<h2>Insights</h2>
{{range .Insights}}<div class="insight insight-{{.Impact}}">
<h3>{{.Title}}</h3>
<p>{{.Description}}</p>
<p class="meta">{{.InsightType}} &middot; impact {{.Impact}} &middot; confidence {{pct .Confidence}}</p>
{{if .Recommendation}}<p><strong>Recommendation:</strong> {{.Recommendation}}</p>{{end}}
</div>
{{end}}</div>
{{end}}
</body>
</html>
`))

func renderHTML(report *GeneratedReport) (string, error) {
	view := htmlReport{Report: report, Insights: report.Insights}

	for _, s := range report.Sections {
		hs := htmlSection{Title: s.Title, ContentType: s.ContentType}
		if text, ok := s.Data.(string); ok {
			hs.Text = text
		} else {
			rows, err := flattenValue(s.Data)
			if err != nil {
				return "", fmt.Errorf("failed to flatten section %q: %w", s.Title, err)
			}
			hs.Rows = rows
		}
		view.Sections = append(view.Sections, hs)
	}

	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("failed to render html: %w", err)
	}
	return buf.String(), nil
}
