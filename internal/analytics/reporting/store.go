package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/scamguard/backend/pkg/errors"
	"github.com/scamguard/backend/pkg/logger"
)

const metadataSuffix = "_metadata.json"

// FileStore persists exports as <id>.<format> with a <id>_metadata.json
// sidecar. The sidecars are the index; nothing is held in memory.
type FileStore struct {
	dir     string
	baseURL string
	mu      sync.Mutex
	logger  *zap.Logger
}

func NewFileStore(dir, downloadBaseURL string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reports directory: %w", err)
	}
	return &FileStore{
		dir:     dir,
		baseURL: strings.TrimSuffix(downloadBaseURL, "/"),
		logger:  logger.Named("report_store"),
	}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

// Save writes content and its sidecar. A later export of the same report
// replaces both.
func (s *FileStore) Save(report *GeneratedReport, format string, content []byte) (*StoredReport, error) {
	name := report.ID + "." + format

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(filepath.Join(s.dir, name), content, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write report file: %w", err)
	}

	meta := &StoredReport{
		ID:           report.ID,
		ReportType:   report.ReportType,
		GeneratedAt:  report.GeneratedAt,
		Period:       StoredPeriod{Start: report.PeriodStart, End: report.PeriodEnd},
		ExportFormat: format,
		DownloadURL:  s.baseURL + "/" + name,
		FileSize:     int64(len(content)),
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode report metadata: %w", err)
	}
	if err := os.WriteFile(s.metadataPath(report.ID), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write report metadata: %w", err)
	}

	s.logger.Info("Report saved",
		zap.String("report_id", report.ID),
		zap.String("format", format),
		zap.Int64("size", meta.FileSize),
	)
	return meta, nil
}

// Get reads the sidecar of one stored report.
func (s *FileStore) Get(id string) (*StoredReport, error) {
	if !validID(id) {
		return nil, apperrors.NewValidationError("INVALID_REPORT_ID", fmt.Sprintf("invalid report id %q", id))
	}

	data, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewNotFoundError("report", id)
		}
		return nil, fmt.Errorf("failed to read report metadata: %w", err)
	}

	var meta StoredReport
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode report metadata: %w", err)
	}
	return &meta, nil
}

// List returns every stored report, newest first. Unreadable sidecars are
// logged and skipped.
func (s *FileStore) List() ([]StoredReport, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	out := make([]StoredReport, 0)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, metadataSuffix) {
			continue
		}

		meta, err := s.Get(strings.TrimSuffix(name, metadataSuffix))
		if err != nil {
			s.logger.Warn("Skipping unreadable report metadata", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, *meta)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].GeneratedAt.Equal(out[j].GeneratedAt) {
			return out[i].GeneratedAt.After(out[j].GeneratedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// FilePath returns the path of a stored export after checking it exists.
func (s *FileStore) FilePath(id string) (string, *StoredReport, error) {
	meta, err := s.Get(id)
	if err != nil {
		return "", nil, err
	}
	return filepath.Join(s.dir, meta.ID+"."+meta.ExportFormat), meta, nil
}

func (s *FileStore) metadataPath(id string) string {
	return filepath.Join(s.dir, id+metadataSuffix)
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}
