package store

import "time"

type User struct {
	UserID    string
	UserName  string
	UserEmail string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

type Entry struct {
	EntryID   string
	UserID    string
	EntryDate time.Time
	Title     string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Holo is the per-user questionnaire configuration. Exactly one row per user.
type Holo struct {
	HoloID    string
	UserID    string
	Questions []string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// HoloDaily is one dated response to the questionnaire. The (HoloID, EntryDate)
// pair is unique; EntryDate carries no time component.
type HoloDaily struct {
	HoloDailyID string
	HoloID      string
	EntryDate   time.Time
	Score       int
	Answers     map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}
