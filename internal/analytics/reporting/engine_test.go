package reporting

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/scamguard/backend/internal/analytics/clustering"
	"github.com/scamguard/backend/internal/analytics/insights"
	"github.com/scamguard/backend/internal/analytics/metrics"
	"github.com/scamguard/backend/internal/analytics/patterns"
	"github.com/scamguard/backend/internal/storage"
	"github.com/scamguard/backend/internal/storage/memory"
	"github.com/scamguard/backend/internal/storage/models"
	apperrors "github.com/scamguard/backend/pkg/errors"
)

var now = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type failingStore struct{}

func (failingStore) ListUsers(ctx context.Context, filter storage.UserFilter) ([]models.UserRecord, error) {
	return nil, errors.New("database is locked")
}

func analysed(at time.Time, classification string) models.Interaction {
	return models.Interaction{
		Timestamp:     at,
		MessageType:   models.MessageTypeText,
		WasSuccessful: true,
		ResponseTime:  1.5,
		AnalysisResult: &models.AnalysisResult{
			Classification: classification,
			TrustScore:     50,
			Confidence:     0.8,
		},
	}
}

func sampleUsers() []models.UserRecord {
	day := now.Add(-2 * 24 * time.Hour)
	return []models.UserRecord{
		{
			PhoneNumber:      "+15550000001",
			FirstInteraction: day,
			LastInteraction:  day.Add(4 * time.Hour),
			Interactions: []models.Interaction{
				analysed(day, models.ClassificationLegit),
				analysed(day.Add(time.Hour), models.ClassificationLegit),
				analysed(day.Add(2*time.Hour), models.ClassificationLegit),
				analysed(day.Add(3*time.Hour), models.ClassificationSuspicious),
				analysed(day.Add(4*time.Hour), models.ClassificationSuspicious),
			},
		},
		{
			PhoneNumber:      "+15550000002",
			Blocked:          true,
			FirstInteraction: day,
			LastInteraction:  day,
			Interactions: []models.Interaction{
				analysed(day.Add(30*time.Minute), models.ClassificationLikelyScam),
			},
		},
	}
}

func newTestEngine(t *testing.T, store storage.Adapter, opts ...Option) (*Engine, *clock) {
	t.Helper()
	c := &clock{t: now}
	l := zaptest.NewLogger(t)

	m := metrics.NewEngine(store, metrics.WithClock(c.Now), metrics.WithLogger(l))
	p := patterns.NewDetector(patterns.WithClock(c.Now), patterns.WithLogger(l))
	cl := clustering.NewEngine(clustering.WithLogger(l))
	g := insights.NewGenerator(m, insights.WithClock(c.Now), insights.WithLogger(l))

	opts = append([]Option{WithClock(c.Now), WithLogger(l)}, opts...)
	return NewEngine(m, p, cl, g, opts...), c
}

func week() (time.Time, time.Time) {
	return now.Add(-7 * 24 * time.Hour), now
}

func sectionTitles(r *GeneratedReport) []string {
	titles := make([]string, len(r.Sections))
	for i, s := range r.Sections {
		titles[i] = s.Title
	}
	return titles
}

func TestGenerateExecutiveSummary(t *testing.T) {
	e, _ := newTestEngine(t, memory.NewStore(sampleUsers()...))
	start, end := week()

	report, err := e.GenerateReport(context.Background(), "executive_summary", start, end, nil)
	require.NoError(t, err)

	assert.Equal(t, "executive_summary_20240315_120000", report.ID)
	assert.Equal(t, "Executive Summary", report.Title)
	assert.Equal(t, ReportExecutive, report.ReportType)
	assert.Equal(t, []string{"Overview", "Key Metrics", "Classification Breakdown", "Insights"}, sectionTitles(report))
	assert.LessOrEqual(t, len(report.Insights), DefaultInsightLimit)
	assert.Contains(t, report.Summary, "2 users sent 6 messages")
	assert.Contains(t, report.Summary, "1 of 6 analysed postings")

	keyMetrics := report.Sections[1].Data.(map[string]interface{})
	assert.Equal(t, 6, keyMetrics["total_messages"])
	assert.Equal(t, 2, keyMetrics["unique_users"])
	assert.Equal(t, "key_metrics", report.Sections[1].Metadata["section_id"])

	cached, err := e.GetReport(report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.Summary, cached.Summary)
}

func TestGenerateReportIDCollision(t *testing.T) {
	e, c := newTestEngine(t, memory.NewStore(sampleUsers()...))
	start, end := week()

	first, err := e.GenerateReport(context.Background(), "security_report", start, end, nil)
	require.NoError(t, err)
	second, err := e.GenerateReport(context.Background(), "security_report", start, end, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID+"_1", second.ID)

	c.Advance(time.Second)
	third, err := e.GenerateReport(context.Background(), "security_report", start, end, nil)
	require.NoError(t, err)
	assert.Equal(t, "security_report_20240315_120001", third.ID)

	reports := e.ListReports()
	require.Len(t, reports, 3)
	assert.Equal(t, third.ID, reports[0].ID)
}

func TestGenerateReportValidation(t *testing.T) {
	e, _ := newTestEngine(t, memory.NewStore())
	start, end := week()

	_, err := e.GenerateReport(context.Background(), "quarterly_board_pack", start, end, nil)
	assert.True(t, apperrors.IsValidation(err))

	_, err = e.GenerateReport(context.Background(), "usage_report", end, start, nil)
	assert.True(t, apperrors.IsValidation(err))
}

func TestGenerateReportStoreErrorAborts(t *testing.T) {
	e, _ := newTestEngine(t, failingStore{})
	start, end := week()

	_, err := e.GenerateReport(context.Background(), "executive_summary", start, end, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Empty(t, e.ListReports())
}

func TestUnknownSectionsAreSkipped(t *testing.T) {
	e, _ := newTestEngine(t, memory.NewStore(sampleUsers()...))
	require.NoError(t, e.RegisterTemplate(Template{
		Name:          "custom",
		Title:         "Custom",
		ReportType:    "custom",
		Sections:      []string{SectionOverview, "weather_forecast"},
		DefaultFormat: FormatJSON,
	}))
	start, end := week()

	report, err := e.GenerateReport(context.Background(), "custom", start, end, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Overview"}, sectionTitles(report))
	assert.True(t, strings.HasPrefix(report.Summary, "Report contains 1 sections and"))
}

func TestFailingSectionsAreOmitted(t *testing.T) {
	e, _ := newTestEngine(t, memory.NewStore(sampleUsers()...))
	e.sections["broken"] = func(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
		return nil, errors.New("upstream unavailable")
	}
	e.sections["exploding"] = func(ctx context.Context, sc *sectionContext) (*ReportSection, error) {
		var rows []string
		return &ReportSection{Data: rows[:len(sc.users)]}, nil
	}
	require.NoError(t, e.RegisterTemplate(Template{
		Name:          "resilient",
		Title:         "Resilient",
		ReportType:    "custom",
		Sections:      []string{SectionOverview, "broken", "exploding", SectionKeyMetrics},
		DefaultFormat: FormatJSON,
	}))
	start, end := week()

	var (
		report *GeneratedReport
		err    error
	)
	require.NotPanics(t, func() {
		report, err = e.GenerateReport(context.Background(), "resilient", start, end, nil)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Overview", "Key Metrics"}, sectionTitles(report))
	assert.Equal(t, SectionOverview, report.Sections[0].Metadata["section_id"])
	assert.Equal(t, SectionKeyMetrics, report.Sections[1].Metadata["section_id"])
	assert.True(t, strings.HasPrefix(report.Summary, "Report contains 2 sections and"))
}

func TestNegativeParametersRejected(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "/download")
	require.NoError(t, err)
	e, _ := newTestEngine(t, memory.NewStore(sampleUsers()...), WithFileStore(fs))
	start, end := week()

	for _, key := range []string{ParamMaxBlocked, ParamLookbackDays} {
		t.Run(key, func(t *testing.T) {
			params := map[string]interface{}{key: -1.0}

			var err error
			require.NotPanics(t, func() {
				_, err = e.GenerateReport(context.Background(), "security_report", start, end, params)
			})
			var appErr *apperrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, "INVALID_PARAMETER", appErr.Code)
			assert.True(t, apperrors.IsValidation(err))

			_, err = NewScheduler(e).Add(Schedule{Template: "security_report", Spec: "@daily", Format: FormatJSON, Parameters: params})
			assert.True(t, apperrors.IsValidation(err))
		})
	}

	report, err := e.GenerateReport(context.Background(), "security_report", start, end,
		map[string]interface{}{ParamMaxBlocked: 0.0})
	require.NoError(t, err)
	blocked := report.Sections[3].Data.(map[string]interface{})
	assert.Equal(t, 1, blocked["blocked_users"])
	assert.Empty(t, blocked["blocked_phone_masked"])
}

func TestPatternsLookbackEndsAtPeriodEnd(t *testing.T) {
	start := now.Add(-40 * 24 * time.Hour)
	end := now.Add(-20 * 24 * time.Hour)

	var interactions []models.Interaction
	for d := 0; d <= 20; d++ {
		at := start.Add(time.Duration(d) * 24 * time.Hour)
		if d == 20 {
			at = at.Add(-6 * time.Hour)
		}
		for k := 0; k <= d; k++ {
			interactions = append(interactions, analysed(at.Add(time.Duration(k)*time.Minute), models.ClassificationLegit))
		}
	}
	historic := models.UserRecord{
		PhoneNumber:      "+15550000003",
		FirstInteraction: start,
		LastInteraction:  end,
		Interactions:     interactions,
	}
	e, _ := newTestEngine(t, memory.NewStore(historic))

	report, err := e.GenerateReport(context.Background(), "performance_report", start, end,
		map[string]interface{}{ParamLookbackDays: 14.0})
	require.NoError(t, err)

	var section *ReportSection
	for i := range report.Sections {
		if report.Sections[i].Metadata["section_id"] == SectionPatterns {
			section = &report.Sections[i]
		}
	}
	require.NotNil(t, section)
	assert.Equal(t, 15, section.Metadata["points"])

	found := section.Data.([]patterns.DetectedPattern)
	trends := 0
	for _, p := range found {
		if p.PatternType == patterns.PatternTrend {
			trends++
		}
	}
	assert.Equal(t, 1, trends)
}

func TestRegisterTemplateValidation(t *testing.T) {
	e, _ := newTestEngine(t, memory.NewStore())

	err := e.RegisterTemplate(Template{Name: "empty", Title: "Empty", ReportType: "custom", DefaultFormat: FormatJSON})
	assert.True(t, apperrors.IsValidation(err))

	err = e.RegisterTemplate(Template{Name: "docx", Title: "Docx", ReportType: "custom", Sections: []string{SectionOverview}, DefaultFormat: "docx"})
	assert.True(t, apperrors.IsValidation(err))

	names := make([]string, 0)
	for _, tmpl := range e.Templates() {
		names = append(names, tmpl.Name)
	}
	assert.Equal(t, []string{"executive_summary", "performance_report", "security_report", "usage_report"}, names)
}

func TestCallParametersOverrideTemplateDefaults(t *testing.T) {
	e, _ := newTestEngine(t, memory.NewStore(sampleUsers()...))
	start, end := week()

	report, err := e.GenerateReport(context.Background(), "executive_summary", start, end, map[string]interface{}{
		ParamTitle:        "Board Update",
		ParamInsightLimit: float64(0),
	})
	require.NoError(t, err)

	assert.Equal(t, "Board Update", report.Title)
	assert.Empty(t, report.Insights)
	assert.Equal(t, float64(0), report.Parameters[ParamInsightLimit])
}

func TestReportTypeSummaries(t *testing.T) {
	e, _ := newTestEngine(t, memory.NewStore(sampleUsers()...))
	start, end := week()

	tests := []struct {
		template string
		contains string
	}{
		{"performance_report", "Average response time was 1.50s"},
		{"security_report", "1 likely scam and 2 suspicious postings were detected out of 6 analysed"},
		{"usage_report", "2 active users (2 new, 0 returning) sent 6 messages"},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			report, err := e.GenerateReport(context.Background(), tt.template, start, end, nil)
			require.NoError(t, err)
			assert.Contains(t, report.Summary, tt.contains)
		})
	}
}

func TestSecuritySections(t *testing.T) {
	e, _ := newTestEngine(t, memory.NewStore(sampleUsers()...))
	start, end := week()

	report, err := e.GenerateReport(context.Background(), "security_report", start, end, nil)
	require.NoError(t, err)
	require.Len(t, report.Sections, 4)

	blocked := report.Sections[3].Data.(map[string]interface{})
	assert.Equal(t, 1, blocked["blocked_users"])
	assert.Equal(t, 1, blocked["active_in_period"])
	assert.Equal(t, []string{"********0002"}, blocked["blocked_phone_masked"])

	trends := report.Sections[1].Data.(map[string]interface{})
	assert.Equal(t, 1, trends["total_scams"])
	assert.Equal(t, 2, trends["total_suspicious"])
}

func TestUserSegmentsNeedEnoughUsers(t *testing.T) {
	e, _ := newTestEngine(t, memory.NewStore(sampleUsers()...))
	start, end := week()

	report, err := e.GenerateReport(context.Background(), "usage_report", start, end, nil)
	require.NoError(t, err)

	segments := report.Sections[len(report.Sections)-1]
	assert.Equal(t, "User Segments", segments.Title)
	data := segments.Data.(map[string]interface{})
	assert.Equal(t, false, data["success"])
	assert.Equal(t, clustering.ReasonInsufficientData, data["reason"])
}

func TestExportReport(t *testing.T) {
	e, _ := newTestEngine(t, memory.NewStore(sampleUsers()...))
	start, end := week()
	report, err := e.GenerateReport(context.Background(), "executive_summary", start, end, nil)
	require.NoError(t, err)

	t.Run("json", func(t *testing.T) {
		content, size, err := e.ExportReport(report.ID, FormatJSON)
		require.NoError(t, err)
		assert.Equal(t, len(content), size)

		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(content), &decoded))
		assert.Equal(t, report.ID, decoded["id"])
		assert.NotContains(t, decoded, "export_formats")
		assert.Len(t, decoded["sections"], 4)
	})

	t.Run("csv", func(t *testing.T) {
		content, _, err := e.ExportReport(report.ID, FormatCSV)
		require.NoError(t, err)

		records, err := csv.NewReader(strings.NewReader(content)).ReadAll()
		require.NoError(t, err)
		assert.Equal(t, []string{"section", "key", "value"}, records[0])
		assert.Contains(t, records, []string{"report", "id", report.ID})
		assert.Contains(t, records, []string{"Key Metrics", "total_messages", "6"})
		assert.Contains(t, records, []string{"Classification Breakdown", "counts.Legit", "3"})
		assert.Contains(t, records, []string{"Overview", "value", report.Sections[0].Data.(string)})
	})

	t.Run("html", func(t *testing.T) {
		content, _, err := e.ExportReport(report.ID, FormatHTML)
		require.NoError(t, err)
		assert.Contains(t, content, "<title>Executive Summary</title>")
		assert.Contains(t, content, "<h2>Key Metrics</h2>")
	})

	t.Run("placeholders", func(t *testing.T) {
		for _, format := range []string{FormatPDF, FormatXLSX} {
			content, size, err := e.ExportReport(report.ID, format)
			require.NoError(t, err)
			assert.Contains(t, content, report.ID)
			assert.Positive(t, size)
		}
	})

	t.Run("unsupported format", func(t *testing.T) {
		_, _, err := e.ExportReport(report.ID, "docx")
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("unknown report", func(t *testing.T) {
		_, _, err := e.ExportReport("missing", FormatJSON)
		assert.True(t, apperrors.IsNotFound(err))
	})

	cached, err := e.GetReport(report.ID)
	require.NoError(t, err)
	assert.Contains(t, cached.ExportFormats, FormatCSV)
	assert.Contains(t, cached.ExportFormats, FormatPDF)
}

func TestHTMLMarksCriticalInsights(t *testing.T) {
	report := &GeneratedReport{
		ID:    "r1",
		Title: "Alerts",
		Insights: []insights.Insight{
			{Title: "Error rate spike", Impact: insights.ImpactCritical, Confidence: 0.9},
			{Title: "Volume drift", Impact: insights.ImpactLow, Confidence: 0.7},
		},
	}

	content, err := render(report, FormatHTML)
	require.NoError(t, err)
	assert.Contains(t, content, `class="insight insight-critical"`)
	assert.Contains(t, content, `class="insight insight-low"`)
	assert.Contains(t, content, "confidence 90%")
}

func TestFlattenValue(t *testing.T) {
	rows, err := flattenValue(map[string]interface{}{
		"a": map[string]interface{}{"b": 1.5, "c": "x"},
		"d": []int{7, 8},
		"e": map[string]int{},
	})
	require.NoError(t, err)

	assert.Equal(t, []row{
		{Key: "a.b", Value: "1.5"},
		{Key: "a.c", Value: "x"},
		{Key: "d.0", Value: "7"},
		{Key: "d.1", Value: "8"},
		{Key: "e", Value: ""},
	}, rows)
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "*******4567", maskPhone("+1234564567"))
	assert.Equal(t, "123", maskPhone("123"))
}

func TestSaveExport(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, "/api/v1/reports/download/")
	require.NoError(t, err)

	e, _ := newTestEngine(t, memory.NewStore(sampleUsers()...), WithFileStore(fs))
	start, end := week()
	report, err := e.GenerateReport(context.Background(), "performance_report", start, end, nil)
	require.NoError(t, err)

	stored, err := e.SaveExport(report.ID, FormatCSV)
	require.NoError(t, err)

	assert.Equal(t, report.ID, stored.ID)
	assert.Equal(t, ReportPerformance, stored.ReportType)
	assert.Equal(t, FormatCSV, stored.ExportFormat)
	assert.Equal(t, "/api/v1/reports/download/"+report.ID+".csv", stored.DownloadURL)
	assert.True(t, stored.Period.Start.Equal(start))

	info, err := os.Stat(filepath.Join(dir, report.ID+".csv"))
	require.NoError(t, err)
	assert.Equal(t, info.Size(), stored.FileSize)
	assert.FileExists(t, filepath.Join(dir, report.ID+"_metadata.json"))

	got, err := fs.Get(report.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.DownloadURL, got.DownloadURL)

	path, _, err := fs.FilePath(report.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, report.ID+".csv"), path)

	_, err = e.SaveExport(report.ID, FormatPDF)
	assert.True(t, apperrors.IsValidation(err))
}

func TestFileStoreList(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, "/download")
	require.NoError(t, err)

	older := &GeneratedReport{ID: "usage_report_20240301_000000", ReportType: ReportGeneral, GeneratedAt: now.Add(-time.Hour)}
	newer := &GeneratedReport{ID: "usage_report_20240302_000000", ReportType: ReportGeneral, GeneratedAt: now}

	_, err = fs.Save(older, FormatJSON, []byte("{}"))
	require.NoError(t, err)
	_, err = fs.Save(newer, FormatHTML, []byte("<html></html>"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken_metadata.json"), []byte("not json"), 0o644))

	list, err := fs.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, int64(13), list[0].FileSize)
	assert.Equal(t, older.ID, list[1].ID)

	_, err = fs.Get("missing")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = fs.Get("../etc/passwd")
	assert.True(t, apperrors.IsValidation(err))
}

func TestScheduler(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "/download")
	require.NoError(t, err)
	e, _ := newTestEngine(t, memory.NewStore(sampleUsers()...), WithFileStore(fs))
	s := NewScheduler(e)

	_, err = s.Add(Schedule{Template: "usage_report", Spec: "not a cron", Format: FormatJSON})
	assert.True(t, apperrors.IsValidation(err))

	_, err = s.Add(Schedule{Template: "missing", Spec: "@daily", Format: FormatJSON})
	assert.True(t, apperrors.IsValidation(err))

	_, err = s.Add(Schedule{Template: "usage_report", Spec: "@daily", Format: FormatPDF})
	assert.True(t, apperrors.IsValidation(err))

	sched, err := s.Add(Schedule{Template: "usage_report", Spec: "0 6 * * 1", Format: FormatHTML})
	require.NoError(t, err)
	assert.NotEmpty(t, sched.ID)
	assert.Equal(t, defaultSchedulePeriodHours, sched.PeriodHours)

	stored, err := s.RunNow(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, FormatHTML, stored.ExportFormat)
	assert.True(t, stored.Period.End.Sub(stored.Period.Start) == 7*24*time.Hour)

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, stored.ID, list[0].LastReportID)
	assert.Empty(t, list[0].LastError)

	require.NoError(t, s.Remove(sched.ID))
	assert.True(t, apperrors.IsNotFound(s.Remove(sched.ID)))
	_, err = s.RunNow(context.Background(), sched.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSchedulerRequiresStore(t *testing.T) {
	e, _ := newTestEngine(t, memory.NewStore())
	s := NewScheduler(e)

	_, err := s.Add(Schedule{Template: "usage_report", Spec: "@daily", Format: FormatJSON})
	assert.True(t, apperrors.IsValidation(err))
}
