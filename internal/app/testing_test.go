package app

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"holonote/api/internal/config"
	"holonote/api/internal/idp"
	"holonote/api/internal/store"
	"holonote/api/internal/util"
)

type fakeStore struct {
	getUserByIDFn         func(context.Context, string) (store.User, error)
	createUserWithHoloFn  func(context.Context, store.User, store.Holo) (store.User, store.Holo, error)
	listEntriesFn         func(context.Context, string) ([]store.Entry, error)
	insertEntryFn         func(context.Context, store.Entry) (store.Entry, error)
	updateEntryFn         func(context.Context, string, string, string, string) (store.Entry, error)
	softDeleteEntryFn     func(context.Context, string, string) error
	getHoloByUserIDFn     func(context.Context, string) (store.Holo, error)
	insertHoloFn          func(context.Context, store.Holo) (store.Holo, error)
	updateHoloQuestionsFn func(context.Context, string, []string) (store.Holo, error)
	getDailyByDateFn      func(context.Context, string, time.Time) (store.HoloDaily, error)
	getLatestDailyFn      func(context.Context, string) (store.HoloDaily, error)
	insertDailyFn         func(context.Context, store.HoloDaily) (store.HoloDaily, error)
	avgScoreFn            func(context.Context, string) (*float64, error)
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{UserID: userID, UserName: "Test User", UserEmail: "test@example.com"}, nil
}

func (f *fakeStore) CreateUserWithHolo(ctx context.Context, user store.User, holo store.Holo) (store.User, store.Holo, error) {
	if f.createUserWithHoloFn != nil {
		return f.createUserWithHoloFn(ctx, user, holo)
	}
	return user, holo, nil
}

func (f *fakeStore) ListEntries(ctx context.Context, userID string) ([]store.Entry, error) {
	if f.listEntriesFn != nil {
		return f.listEntriesFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) InsertEntry(ctx context.Context, entry store.Entry) (store.Entry, error) {
	if f.insertEntryFn != nil {
		return f.insertEntryFn(ctx, entry)
	}
	return entry, nil
}

func (f *fakeStore) UpdateEntry(ctx context.Context, entryID, userID, title, content string) (store.Entry, error) {
	if f.updateEntryFn != nil {
		return f.updateEntryFn(ctx, entryID, userID, title, content)
	}
	return store.Entry{}, sql.ErrNoRows
}

func (f *fakeStore) SoftDeleteEntry(ctx context.Context, entryID, userID string) error {
	if f.softDeleteEntryFn != nil {
		return f.softDeleteEntryFn(ctx, entryID, userID)
	}
	return sql.ErrNoRows
}

func (f *fakeStore) GetHoloByUserID(ctx context.Context, userID string) (store.Holo, error) {
	if f.getHoloByUserIDFn != nil {
		return f.getHoloByUserIDFn(ctx, userID)
	}
	return store.Holo{}, sql.ErrNoRows
}

func (f *fakeStore) InsertHolo(ctx context.Context, holo store.Holo) (store.Holo, error) {
	if f.insertHoloFn != nil {
		return f.insertHoloFn(ctx, holo)
	}
	return holo, nil
}

func (f *fakeStore) UpdateHoloQuestions(ctx context.Context, userID string, questions []string) (store.Holo, error) {
	if f.updateHoloQuestionsFn != nil {
		return f.updateHoloQuestionsFn(ctx, userID, questions)
	}
	return store.Holo{}, sql.ErrNoRows
}

func (f *fakeStore) GetDailyByDate(ctx context.Context, holoID string, entryDate time.Time) (store.HoloDaily, error) {
	if f.getDailyByDateFn != nil {
		return f.getDailyByDateFn(ctx, holoID, entryDate)
	}
	return store.HoloDaily{}, sql.ErrNoRows
}

func (f *fakeStore) GetLatestDaily(ctx context.Context, holoID string) (store.HoloDaily, error) {
	if f.getLatestDailyFn != nil {
		return f.getLatestDailyFn(ctx, holoID)
	}
	return store.HoloDaily{}, sql.ErrNoRows
}

func (f *fakeStore) InsertDaily(ctx context.Context, daily store.HoloDaily) (store.HoloDaily, error) {
	if f.insertDailyFn != nil {
		return f.insertDailyFn(ctx, daily)
	}
	return daily, nil
}

func (f *fakeStore) AvgScore(ctx context.Context, holoID string) (*float64, error) {
	if f.avgScoreFn != nil {
		return f.avgScoreFn(ctx, holoID)
	}
	return nil, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeVerifier struct {
	verifyFn func(context.Context, string) (idp.Claims, error)
}

func (f *fakeVerifier) Verify(ctx context.Context, token string) (idp.Claims, error) {
	if f.verifyFn != nil {
		return f.verifyFn(ctx, token)
	}
	return idp.Claims{}, idp.ErrInvalidToken
}

// acceptAll returns a verifier that maps any token to a fixed subject.
func acceptAll(subject, email, name string) *fakeVerifier {
	return &fakeVerifier{
		verifyFn: func(context.Context, string) (idp.Claims, error) {
			return idp.Claims{Subject: subject, Email: email, Name: name}, nil
		},
	}
}

func newTestService(fs *fakeStore, verifier *fakeVerifier) *Service {
	return &Service{
		cfg:      config.Config{},
		store:    fs,
		verifier: verifier,
	}
}

func uniqueViolation() error {
	return &pgconn.PgError{Code: "23505", ConstraintName: "holo_dailies_holo_id_entry_date_key"}
}

// memStore is a semantic in-memory store used by the lifecycle tests, where
// the interplay of create, update, soft delete, and list matters more than
// individual call wiring.
type memStore struct {
	mu      sync.Mutex
	users   map[string]store.User
	holos   map[string]store.Holo // keyed by user id
	entries map[string]store.Entry
	dailies map[string]store.HoloDaily
	now     time.Time
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[string]store.User),
		holos:   make(map[string]store.Holo),
		entries: make(map[string]store.Entry),
		dailies: make(map[string]store.HoloDaily),
		now:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

// tick advances the fake clock so created_at ordering is deterministic.
func (m *memStore) tick() time.Time {
	m.now = m.now.Add(time.Second)
	return m.now
}

func (m *memStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) CreateUserWithHolo(_ context.Context, user store.User, holo store.Holo) (store.User, store.Holo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[user.UserID]; exists {
		return store.User{}, store.Holo{}, &pgconn.PgError{Code: "23505", ConstraintName: "users_pkey"}
	}
	now := m.tick()
	user.CreatedAt, user.UpdatedAt = now, now
	holo.CreatedAt, holo.UpdatedAt = now, now
	m.users[user.UserID] = user
	m.holos[user.UserID] = holo
	return user, holo, nil
}

func (m *memStore) ListEntries(_ context.Context, userID string) ([]store.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []store.Entry
	for _, entry := range m.entries {
		if entry.UserID == userID && entry.DeletedAt == nil {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

func (m *memStore) InsertEntry(_ context.Context, entry store.Entry) (store.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.tick()
	entry.CreatedAt, entry.UpdatedAt = now, now
	m.entries[entry.EntryID] = entry
	return entry, nil
}

func (m *memStore) UpdateEntry(_ context.Context, entryID, userID, title, content string) (store.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[entryID]
	if !ok || entry.UserID != userID || entry.DeletedAt != nil {
		return store.Entry{}, sql.ErrNoRows
	}
	entry.Title = title
	entry.Content = content
	entry.UpdatedAt = m.tick()
	m.entries[entryID] = entry
	return entry, nil
}

func (m *memStore) SoftDeleteEntry(_ context.Context, entryID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[entryID]
	if !ok || entry.UserID != userID || entry.DeletedAt != nil {
		return sql.ErrNoRows
	}
	deletedAt := m.tick()
	entry.DeletedAt = &deletedAt
	m.entries[entryID] = entry
	return nil
}

func (m *memStore) GetHoloByUserID(_ context.Context, userID string) (store.Holo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holo, ok := m.holos[userID]
	if !ok {
		return store.Holo{}, sql.ErrNoRows
	}
	return holo, nil
}

func (m *memStore) InsertHolo(_ context.Context, holo store.Holo) (store.Holo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.holos[holo.UserID]; exists {
		return store.Holo{}, &pgconn.PgError{Code: "23505", ConstraintName: "holo_user_id_key"}
	}
	now := m.tick()
	holo.CreatedAt, holo.UpdatedAt = now, now
	m.holos[holo.UserID] = holo
	return holo, nil
}

func (m *memStore) UpdateHoloQuestions(_ context.Context, userID string, questions []string) (store.Holo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holo, ok := m.holos[userID]
	if !ok {
		return store.Holo{}, sql.ErrNoRows
	}
	holo.Questions = questions
	holo.UpdatedAt = m.tick()
	m.holos[userID] = holo
	return holo, nil
}

func (m *memStore) GetDailyByDate(_ context.Context, holoID string, entryDate time.Time) (store.HoloDaily, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, daily := range m.dailies {
		if daily.HoloID == holoID && daily.EntryDate.Equal(entryDate) && daily.DeletedAt == nil {
			return daily, nil
		}
	}
	return store.HoloDaily{}, sql.ErrNoRows
}

func (m *memStore) GetLatestDaily(_ context.Context, holoID string) (store.HoloDaily, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *store.HoloDaily
	for _, daily := range m.dailies {
		if daily.HoloID != holoID || daily.DeletedAt != nil {
			continue
		}
		d := daily
		if latest == nil || d.EntryDate.After(latest.EntryDate) {
			latest = &d
		}
	}
	if latest == nil {
		return store.HoloDaily{}, sql.ErrNoRows
	}
	return *latest, nil
}

func (m *memStore) InsertDaily(_ context.Context, daily store.HoloDaily) (store.HoloDaily, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.dailies {
		if existing.HoloID == daily.HoloID && existing.EntryDate.Equal(daily.EntryDate) {
			return store.HoloDaily{}, uniqueViolation()
		}
	}
	now := m.tick()
	daily.CreatedAt, daily.UpdatedAt = now, now
	m.dailies[daily.HoloDailyID] = daily
	return daily, nil
}

func (m *memStore) AvgScore(_ context.Context, holoID string) (*float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum, count := 0, 0
	for _, daily := range m.dailies {
		if daily.HoloID == holoID && daily.DeletedAt == nil {
			sum += daily.Score
			count++
		}
	}
	if count == 0 {
		return nil, nil
	}
	avg := float64(sum) / float64(count)
	return &avg, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

// seedUser provisions a user with a default holo directly in the mem store.
func (m *memStore) seedUser(userID, name, email string) store.Holo {
	user := store.User{UserID: userID, UserName: name, UserEmail: email}
	holo := store.Holo{HoloID: util.NewID(), UserID: userID, Questions: defaultQuestions}
	_, created, _ := m.CreateUserWithHolo(context.Background(), user, holo)
	return created
}
