package reporting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	apperrors "github.com/scamguard/backend/pkg/errors"
	"github.com/scamguard/backend/pkg/logger"
)

const defaultSchedulePeriodHours = 24 * 7

type Schedule struct {
	ID          string                 `json:"id"`
	Template    string                 `json:"template" validate:"required"`
	Spec        string                 `json:"spec" validate:"required"`
	PeriodHours int                    `json:"period_hours" validate:"gte=0"`
	Format      string                 `json:"format" validate:"required,oneof=json csv html"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`

	NextRun      time.Time `json:"next_run,omitempty"`
	LastRun      time.Time `json:"last_run,omitempty"`
	LastReportID string    `json:"last_report_id,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

type scheduleEntry struct {
	schedule Schedule
	entryID  cron.EntryID
}

// Scheduler regenerates templates on cron expressions over a trailing window
// and saves each export through the engine's file store.
type Scheduler struct {
	engine   *Engine
	cron     *cron.Cron
	validate *validator.Validate
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*scheduleEntry
}

func NewScheduler(engine *Engine) *Scheduler {
	l := logger.Named("report_scheduler")
	cronLogger := cron.VerbosePrintfLogger(zap.NewStdLog(l))
	c := cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.Recover(cronLogger)))
	return &Scheduler{
		engine:   engine,
		cron:     c,
		validate: validator.New(),
		logger:   l,
		entries:  make(map[string]*scheduleEntry),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Report scheduler started", zap.Int("schedules", len(s.List())))
}

// Stop waits for running jobs or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Report scheduler stop timed out")
	}
}

// Add registers a schedule. The template and cron expression are checked up front.
func (s *Scheduler) Add(sched Schedule) (*Schedule, error) {
	if err := s.validate.Struct(sched); err != nil {
		return nil, apperrors.NewValidationError("INVALID_SCHEDULE", err.Error())
	}
	if _, ok := s.engine.template(sched.Template); !ok {
		return nil, apperrors.NewValidationError("UNKNOWN_TEMPLATE", fmt.Sprintf("unknown report template %q", sched.Template))
	}
	if err := validateParameters(sched.Parameters); err != nil {
		return nil, err
	}
	if _, err := cron.ParseStandard(sched.Spec); err != nil {
		return nil, apperrors.NewValidationError("INVALID_CRON_SPEC", fmt.Sprintf("invalid cron expression %q: %v", sched.Spec, err))
	}
	if s.engine.Store() == nil {
		return nil, apperrors.NewValidationError("STORE_DISABLED", "scheduled reports require a report file store")
	}

	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	if sched.PeriodHours == 0 {
		sched.PeriodHours = defaultSchedulePeriodHours
	}
	id := sched.ID

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return nil, apperrors.NewValidationError("DUPLICATE_SCHEDULE", fmt.Sprintf("schedule %s already exists", id))
	}

	entryID, err := s.cron.AddFunc(sched.Spec, func() {
		if _, err := s.RunNow(context.Background(), id); err != nil {
			s.logger.Error("Scheduled report failed", zap.String("schedule_id", id), zap.Error(err))
		}
	})
	if err != nil {
		return nil, apperrors.NewValidationError("INVALID_CRON_SPEC", err.Error())
	}

	s.entries[id] = &scheduleEntry{schedule: sched, entryID: entryID}
	s.logger.Info("Report schedule added",
		zap.String("schedule_id", id),
		zap.String("template", sched.Template),
		zap.String("spec", sched.Spec),
	)

	out := s.snapshot(s.entries[id])
	return &out, nil
}

func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return apperrors.NewNotFoundError("schedule", id)
	}
	s.cron.Remove(entry.entryID)
	delete(s.entries, id)

	s.logger.Info("Report schedule removed", zap.String("schedule_id", id))
	return nil
}

func (s *Scheduler) List() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Schedule, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, s.snapshot(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunNow generates, exports and saves one schedule immediately.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*StoredReport, error) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.NewNotFoundError("schedule", id)
	}
	sched := entry.schedule
	s.mu.Unlock()

	end := s.engine.now()
	start := end.Add(-time.Duration(sched.PeriodHours) * time.Hour)

	stored, err := s.run(ctx, sched, start, end)

	s.mu.Lock()
	if entry, ok := s.entries[id]; ok {
		entry.schedule.LastRun = end
		if err != nil {
			entry.schedule.LastError = err.Error()
		} else {
			entry.schedule.LastError = ""
			entry.schedule.LastReportID = stored.ID
		}
	}
	s.mu.Unlock()

	return stored, err
}

func (s *Scheduler) run(ctx context.Context, sched Schedule, start, end time.Time) (*StoredReport, error) {
	report, err := s.engine.GenerateReport(ctx, sched.Template, start, end, sched.Parameters)
	if err != nil {
		return nil, err
	}

	stored, err := s.engine.SaveExport(report.ID, sched.Format)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Scheduled report saved",
		zap.String("schedule_id", sched.ID),
		zap.String("report_id", stored.ID),
		zap.String("download_url", stored.DownloadURL),
	)
	return stored, nil
}

// snapshot must be called with mu held.
func (s *Scheduler) snapshot(entry *scheduleEntry) Schedule {
	out := entry.schedule
	out.NextRun = s.cron.Entry(entry.entryID).Next
	return out
}
