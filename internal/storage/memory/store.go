package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/scamguard/backend/internal/storage"
	"github.com/scamguard/backend/internal/storage/models"
)

// Store keeps user records in process memory. It is used by tests and by
// local runs without a database file.
type Store struct {
	mu    sync.RWMutex
	users map[string]*models.UserRecord
}

var _ storage.Store = (*Store)(nil)

func NewStore(users ...models.UserRecord) *Store {
	s := &Store{users: make(map[string]*models.UserRecord)}
	for _, u := range users {
		u := u
		s.users[u.PhoneNumber] = &u
	}
	return s
}

func (s *Store) ListUsers(ctx context.Context, filter storage.UserFilter) ([]models.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	phones := make([]string, 0, len(s.users))
	for phone := range s.users {
		phones = append(phones, phone)
	}
	sort.Strings(phones)

	result := make([]models.UserRecord, 0, len(phones))
	for _, phone := range phones {
		u := s.users[phone]
		if filter.Blocked != nil && u.Blocked != *filter.Blocked {
			continue
		}
		result = append(result, copyUser(u))
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []models.UserRecord{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

// RecordInteraction appends an interaction, creating the user on first contact.
func (s *Store) RecordInteraction(ctx context.Context, phone string, interaction models.Interaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[phone]
	if !ok {
		u = &models.UserRecord{PhoneNumber: phone, FirstInteraction: interaction.Timestamp}
		s.users[phone] = u
	}

	u.Interactions = append(u.Interactions, interaction)
	sort.SliceStable(u.Interactions, func(i, j int) bool {
		return u.Interactions[i].Timestamp.Before(u.Interactions[j].Timestamp)
	})

	if u.FirstInteraction.IsZero() || interaction.Timestamp.Before(u.FirstInteraction) {
		u.FirstInteraction = interaction.Timestamp
	}
	if interaction.Timestamp.After(u.LastInteraction) {
		u.LastInteraction = interaction.Timestamp
	}

	return nil
}

func (s *Store) SetBlocked(ctx context.Context, phone string, blocked bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[phone]
	if !ok {
		u = &models.UserRecord{PhoneNumber: phone, FirstInteraction: time.Now()}
		s.users[phone] = u
	}
	u.Blocked = blocked
	return nil
}

func copyUser(u *models.UserRecord) models.UserRecord {
	out := *u
	out.Interactions = make([]models.Interaction, len(u.Interactions))
	for i, in := range u.Interactions {
		if in.AnalysisResult != nil {
			ar := *in.AnalysisResult
			ar.Reasons = append([]string(nil), in.AnalysisResult.Reasons...)
			in.AnalysisResult = &ar
		}
		out.Interactions[i] = in
	}
	return out
}
