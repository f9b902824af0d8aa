package reporting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/scamguard/backend/internal/analytics/clustering"
	"github.com/scamguard/backend/internal/analytics/insights"
	"github.com/scamguard/backend/internal/analytics/metrics"
	"github.com/scamguard/backend/internal/analytics/patterns"
	appmetrics "github.com/scamguard/backend/internal/metrics"
	apperrors "github.com/scamguard/backend/pkg/errors"
	"github.com/scamguard/backend/pkg/logger"
)

const idLayout = "20060102_150405"

// Engine composes the analytics components into templated reports and keeps
// every generated report in memory by id.
type Engine struct {
	metrics  *metrics.Engine
	patterns *patterns.Detector
	clusters *clustering.Engine
	insights *insights.Generator
	store    *FileStore

	mu        sync.RWMutex
	templates map[string]Template
	reports   map[string]*GeneratedReport

	sections map[string]sectionFunc
	validate *validator.Validate
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithFileStore enables SaveExport.
func WithFileStore(s *FileStore) Option {
	return func(e *Engine) {
		e.store = s
	}
}

func NewEngine(m *metrics.Engine, p *patterns.Detector, c *clustering.Engine, g *insights.Generator, opts ...Option) *Engine {
	e := &Engine{
		metrics:   m,
		patterns:  p,
		clusters:  c,
		insights:  g,
		templates: make(map[string]Template),
		reports:   make(map[string]*GeneratedReport),
		validate:  validator.New(),
		now:       m.Now,
		logger:    logger.Named("reporting"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sections = e.sectionGenerators()

	for _, t := range builtinTemplates() {
		e.templates[t.Name] = t
	}
	return e
}

// RegisterTemplate adds or replaces a template. Section identifiers are not
// checked here; unknown ones are skipped at generation time.
func (e *Engine) RegisterTemplate(t Template) error {
	if err := e.validate.Struct(t); err != nil {
		return apperrors.NewValidationError("INVALID_TEMPLATE", err.Error())
	}

	e.mu.Lock()
	e.templates[t.Name] = t
	e.mu.Unlock()

	e.logger.Info("Report template registered", zap.String("template", t.Name), zap.Strings("sections", t.Sections))
	return nil
}

func (e *Engine) Templates() []Template {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Template, 0, len(e.templates))
	for _, t := range e.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) template(name string) (Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[name]
	return t, ok
}

// Generate resolves a request's optional bounds (the trailing 7 days by
// default) and calls GenerateReport.
func (e *Engine) Generate(ctx context.Context, req GenerateRequest) (*GeneratedReport, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, apperrors.NewValidationError("INVALID_REPORT_REQUEST", err.Error())
	}

	end := e.now()
	if req.End != nil {
		end = *req.End
	}
	start := end.Add(-7 * 24 * time.Hour)
	if req.Start != nil {
		start = *req.Start
	}
	return e.GenerateReport(ctx, req.Template, start, end, req.Parameters)
}

// GenerateReport builds every section of the named template for [start, end].
// A section that is unknown or fails is logged and left out; a store failure
// aborts the report.
func (e *Engine) GenerateReport(ctx context.Context, templateName string, start, end time.Time, params map[string]interface{}) (*GeneratedReport, error) {
	started := time.Now()

	tmpl, ok := e.template(templateName)
	if !ok {
		return nil, apperrors.NewValidationError("UNKNOWN_TEMPLATE", fmt.Sprintf("unknown report template %q", templateName))
	}

	merged := mergeParameters(tmpl.Parameters, params)
	if err := validateParameters(merged); err != nil {
		return nil, err
	}

	period, err := metrics.NewTimeRange(start, end)
	if err != nil {
		return nil, err
	}

	users, err := e.metrics.Users(ctx)
	if err != nil {
		return nil, err
	}

	sc := &sectionContext{
		users:  users,
		period: period,
		params: merged,
	}

	found, err := e.insights.Evaluate(users, insights.DefaultMetrics, period)
	if err != nil {
		e.logger.Warn("Insight generation failed", zap.String("template", tmpl.Name), zap.Error(err))
		found = []insights.Insight{}
	}
	limit := intParam(merged, ParamInsightLimit, DefaultInsightLimit)
	if limit >= 0 && len(found) > limit {
		found = found[:limit]
	}
	sc.insights = found

	generatedAt := e.now()
	report := &GeneratedReport{
		Title:         stringParam(merged, ParamTitle, tmpl.Title),
		Template:      tmpl.Name,
		ReportType:    tmpl.ReportType,
		GeneratedAt:   generatedAt,
		PeriodStart:   period.Start,
		PeriodEnd:     period.End,
		Parameters:    merged,
		Sections:      make([]ReportSection, 0, len(tmpl.Sections)),
		Insights:      found,
		ExportFormats: make(map[string]string),
	}

	for _, name := range tmpl.Sections {
		gen, ok := e.sections[name]
		if !ok {
			e.logger.Warn("Skipping unknown report section",
				zap.String("template", tmpl.Name),
				zap.String("section", name),
			)
			appmetrics.SectionFailures.WithLabelValues(name).Inc()
			continue
		}

		section, err := runSection(ctx, gen, sc)
		if err != nil {
			e.logger.Warn("Report section failed",
				zap.String("template", tmpl.Name),
				zap.String("section", name),
				zap.Error(err),
			)
			appmetrics.SectionFailures.WithLabelValues(name).Inc()
			continue
		}
		if section.Metadata == nil {
			section.Metadata = make(map[string]interface{})
		}
		section.Metadata["section_id"] = name
		report.Sections = append(report.Sections, *section)
	}

	report.Summary = summarize(report, sc)

	e.mu.Lock()
	report.ID = e.nextID(tmpl.Name, generatedAt)
	e.reports[report.ID] = report
	out := report.clone()
	e.mu.Unlock()

	appmetrics.ReportsGenerated.WithLabelValues(report.ReportType).Inc()
	appmetrics.ReportDuration.WithLabelValues(report.ReportType).Observe(time.Since(started).Seconds())

	e.logger.Info("Report generated",
		zap.String("report_id", report.ID),
		zap.String("template", tmpl.Name),
		zap.Int("sections", len(report.Sections)),
		zap.Int("insights", len(report.Insights)),
		zap.Duration("duration", time.Since(started)),
	)
	return out, nil
}

// nextID must be called with mu held.
func (e *Engine) nextID(template string, at time.Time) string {
	base := template + "_" + at.Format(idLayout)
	id := base
	for n := 1; ; n++ {
		if _, taken := e.reports[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

func (e *Engine) GetReport(id string) (*GeneratedReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.reports[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("report", id)
	}
	return r.clone(), nil
}

// ListReports returns cached reports, newest first.
func (e *Engine) ListReports() []*GeneratedReport {
	e.mu.RLock()
	out := make([]*GeneratedReport, 0, len(e.reports))
	for _, r := range e.reports {
		out = append(out, r.clone())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].GeneratedAt.Equal(out[j].GeneratedAt) {
			return out[i].GeneratedAt.After(out[j].GeneratedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// ExportReport renders a cached report and remembers the rendering on it.
// PDF and XLSX yield a placeholder message instead of a document.
func (e *Engine) ExportReport(id, format string) (string, int, error) {
	report, err := e.GetReport(id)
	if err != nil {
		return "", 0, err
	}

	content, err := render(report, format)
	if err != nil {
		return "", 0, err
	}

	e.mu.Lock()
	if cached, ok := e.reports[id]; ok {
		cached.ExportFormats[format] = content
	}
	e.mu.Unlock()

	appmetrics.ReportExports.WithLabelValues(format).Inc()
	e.logger.Debug("Report exported",
		zap.String("report_id", id),
		zap.String("format", format),
		zap.Int("size", len(content)),
	)
	return content, len(content), nil
}

// SaveExport exports a report and persists it through the file store.
func (e *Engine) SaveExport(id, format string) (*StoredReport, error) {
	if e.store == nil {
		return nil, apperrors.NewValidationError("STORE_DISABLED", "report file store is not configured")
	}
	if isPlaceholder(format) {
		return nil, apperrors.NewValidationError("FORMAT_NOT_PERSISTABLE",
			fmt.Sprintf("%s exports are not available for download", format))
	}

	content, _, err := e.ExportReport(id, format)
	if err != nil {
		return nil, err
	}

	report, err := e.GetReport(id)
	if err != nil {
		return nil, err
	}
	return e.store.Save(report, format, []byte(content))
}

func (e *Engine) Store() *FileStore {
	return e.store
}

// runSection turns a generator panic into an error so one section cannot
// take the report down with it.
func runSection(ctx context.Context, gen sectionFunc, sc *sectionContext) (section *ReportSection, err error) {
	defer func() {
		if r := recover(); r != nil {
			section, err = nil, fmt.Errorf("section panicked: %v", r)
		}
	}()
	return gen(ctx, sc)
}
