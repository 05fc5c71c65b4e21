package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"math"
	"net/http"
	"time"

	"holonote/api/internal/config"
	"holonote/api/internal/idp"
	"holonote/api/internal/search"
	"holonote/api/internal/session"
	"holonote/api/internal/store"
	"holonote/api/internal/util"
)

// defaultQuestions is the questionnaire every new user starts with.
var defaultQuestions = []string{
	"Have you slept +8h?",
	"Have you worked out?",
	"Have you eaten healthy?",
	"Have you done a hobby?",
	"Have you gone to uni?",
}

// Identity is the caller resolved from a verified token plus the local user row.
type Identity struct {
	UserID    string
	UserName  string
	UserEmail string
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	CreateUserWithHolo(context.Context, store.User, store.Holo) (store.User, store.Holo, error)
	ListEntries(context.Context, string) ([]store.Entry, error)
	InsertEntry(context.Context, store.Entry) (store.Entry, error)
	UpdateEntry(ctx context.Context, entryID, userID, title, content string) (store.Entry, error)
	SoftDeleteEntry(ctx context.Context, entryID, userID string) error
	GetHoloByUserID(context.Context, string) (store.Holo, error)
	InsertHolo(context.Context, store.Holo) (store.Holo, error)
	UpdateHoloQuestions(context.Context, string, []string) (store.Holo, error)
	GetDailyByDate(context.Context, string, time.Time) (store.HoloDaily, error)
	GetLatestDaily(context.Context, string) (store.HoloDaily, error)
	InsertDaily(context.Context, store.HoloDaily) (store.HoloDaily, error)
	AvgScore(context.Context, string) (*float64, error)
	Ping(ctx context.Context) error
}

type tokenVerifier interface {
	Verify(context.Context, string) (idp.Claims, error)
}

type claimsCache interface {
	Get(context.Context, string) (idp.Claims, bool)
	Set(context.Context, string, idp.Claims) error
}

type searchIndex interface {
	Search(search.Query) search.Response
	IndexEntry(search.EntryRecord)
	RemoveEntry(string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	verifier tokenVerifier
	claims   claimsCache
	search   searchIndex
}

func New(cfg config.Config, dataStore *store.PostgresStore, verifier *idp.Verifier, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		verifier: verifier,
		search:   searchService,
	}
}

// NewWithClaimsCache wires an optional Redis-backed cache of verified claims.
func NewWithClaimsCache(cfg config.Config, dataStore *store.PostgresStore, verifier *idp.Verifier, cache *session.ClaimsCache, searchService *search.Service) *Service {
	service := New(cfg, dataStore, verifier, searchService)
	service.claims = cache
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func errInvalidToken() *DomainError {
	return domainError(http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token", nil)
}

// Authenticate resolves a bearer token to a local identity, provisioning the
// user and their questionnaire config on first sight.
func (s *Service) Authenticate(ctx context.Context, token string) (Identity, error) {
	var (
		claims idp.Claims
		cached bool
		hash   string
	)
	if s.claims != nil {
		hash = session.HashToken(token)
		claims, cached = s.claims.Get(ctx, hash)
	}
	if !cached {
		verified, err := s.verifier.Verify(ctx, token)
		if err != nil {
			return Identity{}, errInvalidToken()
		}
		claims = verified
		if s.claims != nil {
			if err := s.claims.Set(ctx, hash, claims); err != nil {
				log.Printf("auth: caching claims failed: %v", err)
			}
		}
	}
	return s.ensureUser(ctx, claims)
}

// ensureUser looks up the local user for a verified subject, creating the user
// and its holo config in one transaction when the subject is new. A concurrent
// first request may win the insert race; the loser observes the existing row
// instead of erroring.
func (s *Service) ensureUser(ctx context.Context, claims idp.Claims) (Identity, error) {
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err == nil {
		return identityFromUser(user), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Printf("auth: user lookup %s failed: %v", claims.Subject, err)
		return Identity{}, errInvalidToken()
	}

	name := claims.Name
	if name == "" {
		name = "User"
	}
	newUser := store.User{
		UserID:    claims.Subject,
		UserName:  name,
		UserEmail: claims.Email,
	}
	holo := store.Holo{
		HoloID:    util.NewID(),
		UserID:    claims.Subject,
		Questions: defaultQuestions,
	}

	created, _, err := s.store.CreateUserWithHolo(ctx, newUser, holo)
	if err != nil {
		if store.IsUniqueViolation(err) {
			existing, lookupErr := s.store.GetUserByID(ctx, claims.Subject)
			if lookupErr == nil {
				return identityFromUser(existing), nil
			}
		}
		log.Printf("auth: provisioning %s failed: %v", claims.Subject, err)
		return Identity{}, errInvalidToken()
	}
	return identityFromUser(created), nil
}

func identityFromUser(user store.User) Identity {
	return Identity{
		UserID:    user.UserID,
		UserName:  user.UserName,
		UserEmail: user.UserEmail,
	}
}

// Entries

func (s *Service) ListEntries(ctx context.Context, identity Identity) ([]store.Entry, error) {
	return s.store.ListEntries(ctx, identity.UserID)
}

// CreateEntry always takes ownership from the authenticated identity; the
// client cannot write entries for another user.
func (s *Service) CreateEntry(ctx context.Context, identity Identity, entryDate time.Time, title, content string) (store.Entry, error) {
	entry := store.Entry{
		EntryID:   util.NewID(),
		UserID:    identity.UserID,
		EntryDate: entryDate,
		Title:     title,
		Content:   content,
	}
	created, err := s.store.InsertEntry(ctx, entry)
	if err != nil {
		return store.Entry{}, err
	}
	s.indexEntry(created)
	return created, nil
}

func (s *Service) UpdateEntry(ctx context.Context, identity Identity, entryID, title, content string) (store.Entry, error) {
	updated, err := s.store.UpdateEntry(ctx, entryID, identity.UserID, title, content)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Entry{}, domainError(http.StatusNotFound, "NOT_FOUND", "Entry not found", nil)
	}
	if err != nil {
		return store.Entry{}, err
	}
	s.indexEntry(updated)
	return updated, nil
}

func (s *Service) DeleteEntry(ctx context.Context, identity Identity, entryID string) error {
	err := s.store.SoftDeleteEntry(ctx, entryID, identity.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Entry not found", nil)
	}
	if err != nil {
		return err
	}
	if s.search != nil {
		s.search.RemoveEntry(entryID)
	}
	return nil
}

func (s *Service) SearchEntries(ctx context.Context, identity Identity, text string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	return s.search.Search(search.Query{
		UserID: identity.UserID,
		Text:   text,
		Limit:  limit,
		Offset: offset,
	}), nil
}

func (s *Service) indexEntry(entry store.Entry) {
	if s.search == nil {
		return
	}
	s.search.IndexEntry(search.EntryRecord{
		EntryID: entry.EntryID,
		UserID:  entry.UserID,
		Title:   entry.Title,
		Content: entry.Content,
	})
}

// Holo config

func (s *Service) GetHolo(ctx context.Context, identity Identity) (store.Holo, error) {
	holo, err := s.store.GetHoloByUserID(ctx, identity.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Holo{}, domainError(http.StatusNotFound, "NOT_FOUND", "Holo configuration not found", nil)
	}
	if err != nil {
		return store.Holo{}, err
	}
	return holo, nil
}

func (s *Service) UpdateHolo(ctx context.Context, identity Identity, questions []string) (store.Holo, error) {
	holo, err := s.store.UpdateHoloQuestions(ctx, identity.UserID, questions)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Holo{}, domainError(http.StatusNotFound, "NOT_FOUND", "Holo configuration not found", nil)
	}
	if err != nil {
		return store.Holo{}, err
	}
	return holo, nil
}

// CreateHolo exists for the explicit provisioning path; a duplicate config for
// the same user trips the unique constraint and surfaces as an integrity error.
func (s *Service) CreateHolo(ctx context.Context, identity Identity, questions []string) (store.Holo, error) {
	holo := store.Holo{
		HoloID:    util.NewID(),
		UserID:    identity.UserID,
		Questions: questions,
	}
	return s.store.InsertHolo(ctx, holo)
}

// Holo dailies

func (s *Service) GetDailyByDate(ctx context.Context, identity Identity, entryDate time.Time) (store.HoloDaily, error) {
	holo, err := s.requireHolo(ctx, identity)
	if err != nil {
		return store.HoloDaily{}, err
	}
	daily, err := s.store.GetDailyByDate(ctx, holo.HoloID, entryDate)
	if errors.Is(err, sql.ErrNoRows) {
		return store.HoloDaily{}, domainError(http.StatusNotFound, "NOT_FOUND", "Holo daily not found", nil)
	}
	if err != nil {
		return store.HoloDaily{}, err
	}
	return daily, nil
}

func (s *Service) GetLatestDaily(ctx context.Context, identity Identity) (store.HoloDaily, error) {
	holo, err := s.requireHolo(ctx, identity)
	if err != nil {
		return store.HoloDaily{}, err
	}
	daily, err := s.store.GetLatestDaily(ctx, holo.HoloID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.HoloDaily{}, domainError(http.StatusNotFound, "NOT_FOUND", "No holo daily found", nil)
	}
	if err != nil {
		return store.HoloDaily{}, err
	}
	return daily, nil
}

// CreateDaily records one questionnaire response. The raw date string is
// validated here so a malformed date is a 422, distinct from storage failures.
func (s *Service) CreateDaily(ctx context.Context, identity Identity, rawDate string, score int, answers map[string]any) (store.HoloDaily, error) {
	entryDate, err := ParseEntryDate(rawDate)
	if err != nil {
		return store.HoloDaily{}, err
	}
	holo, err := s.requireHolo(ctx, identity)
	if err != nil {
		return store.HoloDaily{}, err
	}
	daily := store.HoloDaily{
		HoloDailyID: util.NewID(),
		HoloID:      holo.HoloID,
		EntryDate:   entryDate,
		Score:       score,
		Answers:     answers,
	}
	return s.store.InsertDaily(ctx, daily)
}

// AvgScore returns the mean of all daily scores rounded to two decimal places,
// or nil when the caller has no dailies.
func (s *Service) AvgScore(ctx context.Context, identity Identity) (*float64, error) {
	holo, err := s.requireHolo(ctx, identity)
	if err != nil {
		return nil, err
	}
	avg, err := s.store.AvgScore(ctx, holo.HoloID)
	if err != nil {
		return nil, err
	}
	if avg == nil {
		return nil, nil
	}
	rounded := math.Round(*avg*100) / 100
	return &rounded, nil
}

func (s *Service) requireHolo(ctx context.Context, identity Identity) (store.Holo, error) {
	holo, err := s.store.GetHoloByUserID(ctx, identity.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Holo{}, domainError(http.StatusNotFound, "NOT_FOUND", "No holo config found", nil)
	}
	if err != nil {
		return store.Holo{}, err
	}
	return holo, nil
}

// ParseEntryDate parses the date-only form a daily is keyed by.
func ParseEntryDate(raw string) (time.Time, error) {
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "entry_date must be a YYYY-MM-DD date", nil)
	}
	return parsed, nil
}

// ParseEntryTimestamp accepts the timestamp forms clients send for diary
// entries: RFC3339, a zone-less timestamp, or a bare date.
func ParseEntryTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "entry_date must be an ISO-8601 timestamp", nil)
}
