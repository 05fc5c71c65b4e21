package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsIntegrityViolation covers the integrity-constraint class (23xxx),
// including unique and foreign-key violations.
func IsIntegrityViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && len(pgErr.Code) == 5 && pgErr.Code[:2] == "23"
}

// Users

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `
		SELECT user_id, user_name, user_email, created_at, updated_at, deleted_at
		FROM users
		WHERE user_id = $1 AND deleted_at IS NULL
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.UserName, &user.UserEmail,
		&user.CreatedAt, &user.UpdatedAt, &user.DeletedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// CreateUserWithHolo inserts a user and its questionnaire config in one
// transaction. Either both rows persist or neither does. Unique violations
// (a concurrent first request already provisioned the subject) propagate to
// the caller, which is expected to re-fetch.
func (s *PostgresStore) CreateUserWithHolo(ctx context.Context, user User, holo Holo) (User, Holo, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, Holo{}, fmt.Errorf("begin provisioning tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertUser = `
		INSERT INTO users (user_id, user_name, user_email)
		VALUES ($1, $2, $3)
		RETURNING user_id, user_name, user_email, created_at, updated_at
	`
	var created User
	if err := tx.QueryRowContext(ctx, insertUser, user.UserID, user.UserName, user.UserEmail).Scan(
		&created.UserID, &created.UserName, &created.UserEmail, &created.CreatedAt, &created.UpdatedAt,
	); err != nil {
		return User{}, Holo{}, fmt.Errorf("insert user: %w", err)
	}

	questions, err := json.Marshal(holo.Questions)
	if err != nil {
		return User{}, Holo{}, fmt.Errorf("marshal questions: %w", err)
	}

	const insertHolo = `
		INSERT INTO holo (holo_id, user_id, questions)
		VALUES ($1, $2, $3)
		RETURNING holo_id, user_id, created_at, updated_at
	`
	createdHolo := Holo{Questions: holo.Questions}
	if err := tx.QueryRowContext(ctx, insertHolo, holo.HoloID, user.UserID, questions).Scan(
		&createdHolo.HoloID, &createdHolo.UserID, &createdHolo.CreatedAt, &createdHolo.UpdatedAt,
	); err != nil {
		return User{}, Holo{}, fmt.Errorf("insert holo config: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, Holo{}, fmt.Errorf("commit provisioning tx: %w", err)
	}
	return created, createdHolo, nil
}

// Entries

func (s *PostgresStore) ListEntries(ctx context.Context, userID string) ([]Entry, error) {
	const query = `
		SELECT entry_id, user_id, entry_date, title, content, created_at, updated_at, deleted_at
		FROM entries
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.UserID, &e.EntryDate, &e.Title, &e.Content,
			&e.CreatedAt, &e.UpdatedAt, &e.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) InsertEntry(ctx context.Context, entry Entry) (Entry, error) {
	const query = `
		INSERT INTO entries (entry_id, user_id, entry_date, title, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING entry_id, user_id, entry_date, title, content, created_at, updated_at
	`
	var created Entry
	err := s.db.QueryRowContext(ctx, query,
		entry.EntryID, entry.UserID, entry.EntryDate, entry.Title, entry.Content,
	).Scan(&created.EntryID, &created.UserID, &created.EntryDate, &created.Title,
		&created.Content, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	return created, nil
}

// UpdateEntry overwrites title and content of the caller's active entry.
// Returns sql.ErrNoRows when no matching non-tombstoned row exists.
func (s *PostgresStore) UpdateEntry(ctx context.Context, entryID, userID, title, content string) (Entry, error) {
	const query = `
		UPDATE entries
		SET title = $3, content = $4, updated_at = NOW()
		WHERE entry_id = $1 AND user_id = $2 AND deleted_at IS NULL
		RETURNING entry_id, user_id, entry_date, title, content, created_at, updated_at
	`
	var updated Entry
	err := s.db.QueryRowContext(ctx, query, entryID, userID, title, content).Scan(
		&updated.EntryID, &updated.UserID, &updated.EntryDate, &updated.Title,
		&updated.Content, &updated.CreatedAt, &updated.UpdatedAt)
	if err != nil {
		return Entry{}, err
	}
	return updated, nil
}

// SoftDeleteEntry sets the tombstone on the caller's active entry. Deleting an
// already-deleted entry returns sql.ErrNoRows rather than writing twice.
func (s *PostgresStore) SoftDeleteEntry(ctx context.Context, entryID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE entries
		SET deleted_at = NOW()
		WHERE entry_id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, entryID, userID)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete entry rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Holo config

func (s *PostgresStore) GetHoloByUserID(ctx context.Context, userID string) (Holo, error) {
	const query = `
		SELECT holo_id, user_id, questions, created_at, updated_at, deleted_at
		FROM holo
		WHERE user_id = $1 AND deleted_at IS NULL
	`
	var holo Holo
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&holo.HoloID, &holo.UserID, &raw, &holo.CreatedAt, &holo.UpdatedAt, &holo.DeletedAt)
	if err != nil {
		return Holo{}, err
	}
	holo.Questions, err = decodeQuestions(raw)
	if err != nil {
		return Holo{}, err
	}
	return holo, nil
}

func (s *PostgresStore) InsertHolo(ctx context.Context, holo Holo) (Holo, error) {
	questions, err := json.Marshal(holo.Questions)
	if err != nil {
		return Holo{}, fmt.Errorf("marshal questions: %w", err)
	}
	const query = `
		INSERT INTO holo (holo_id, user_id, questions)
		VALUES ($1, $2, $3)
		RETURNING holo_id, user_id, created_at, updated_at
	`
	created := Holo{Questions: holo.Questions}
	err = s.db.QueryRowContext(ctx, query, holo.HoloID, holo.UserID, questions).Scan(
		&created.HoloID, &created.UserID, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return Holo{}, err
	}
	return created, nil
}

func (s *PostgresStore) UpdateHoloQuestions(ctx context.Context, userID string, questions []string) (Holo, error) {
	encoded, err := json.Marshal(questions)
	if err != nil {
		return Holo{}, fmt.Errorf("marshal questions: %w", err)
	}
	const query = `
		UPDATE holo
		SET questions = $2, updated_at = NOW()
		WHERE user_id = $1 AND deleted_at IS NULL
		RETURNING holo_id, user_id, created_at, updated_at
	`
	updated := Holo{Questions: questions}
	err = s.db.QueryRowContext(ctx, query, userID, encoded).Scan(
		&updated.HoloID, &updated.UserID, &updated.CreatedAt, &updated.UpdatedAt)
	if err != nil {
		return Holo{}, err
	}
	return updated, nil
}

// decodeQuestions unwraps the stored question list. Early deployments stored
// the list nested as {"questions": [...]}; both shapes must read back as a
// flat list.
func decodeQuestions(raw []byte) ([]string, error) {
	var flat []string
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}
	var nested struct {
		Questions []string `json:"questions"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}
	return nested.Questions, nil
}

// Holo dailies

func (s *PostgresStore) GetDailyByDate(ctx context.Context, holoID string, entryDate time.Time) (HoloDaily, error) {
	const query = `
		SELECT holo_daily_id, holo_id, entry_date, score, answers, created_at, updated_at, deleted_at
		FROM holo_dailies
		WHERE holo_id = $1 AND entry_date = $2 AND deleted_at IS NULL
	`
	return s.scanDaily(s.db.QueryRowContext(ctx, query, holoID, entryDate))
}

func (s *PostgresStore) GetLatestDaily(ctx context.Context, holoID string) (HoloDaily, error) {
	const query = `
		SELECT holo_daily_id, holo_id, entry_date, score, answers, created_at, updated_at, deleted_at
		FROM holo_dailies
		WHERE holo_id = $1 AND deleted_at IS NULL
		ORDER BY entry_date DESC
		LIMIT 1
	`
	return s.scanDaily(s.db.QueryRowContext(ctx, query, holoID))
}

// InsertDaily creates one questionnaire response. A duplicate
// (holo_id, entry_date) violates the table's unique constraint and the error
// propagates untouched so callers can classify it.
func (s *PostgresStore) InsertDaily(ctx context.Context, daily HoloDaily) (HoloDaily, error) {
	answers, err := json.Marshal(daily.Answers)
	if err != nil {
		return HoloDaily{}, fmt.Errorf("marshal answers: %w", err)
	}
	const query = `
		INSERT INTO holo_dailies (holo_daily_id, holo_id, entry_date, score, answers)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING holo_daily_id, holo_id, entry_date, score, answers, created_at, updated_at, deleted_at
	`
	return s.scanDaily(s.db.QueryRowContext(ctx, query,
		daily.HoloDailyID, daily.HoloID, daily.EntryDate, daily.Score, answers))
}

// AvgScore returns the mean score across all active dailies for a holo, or nil
// when none exist.
func (s *PostgresStore) AvgScore(ctx context.Context, holoID string) (*float64, error) {
	const query = `
		SELECT AVG(score)
		FROM holo_dailies
		WHERE holo_id = $1 AND deleted_at IS NULL
	`
	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, query, holoID).Scan(&avg); err != nil {
		return nil, fmt.Errorf("avg score: %w", err)
	}
	if !avg.Valid {
		return nil, nil
	}
	return &avg.Float64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanDaily(row rowScanner) (HoloDaily, error) {
	var daily HoloDaily
	var answers []byte
	err := row.Scan(&daily.HoloDailyID, &daily.HoloID, &daily.EntryDate, &daily.Score,
		&answers, &daily.CreatedAt, &daily.UpdatedAt, &daily.DeletedAt)
	if err != nil {
		return HoloDaily{}, err
	}
	if err := json.Unmarshal(answers, &daily.Answers); err != nil {
		return HoloDaily{}, fmt.Errorf("decode answers: %w", err)
	}
	return daily, nil
}
