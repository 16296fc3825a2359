package tasks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusOpen  TaskStatus = "OPEN"
	TaskStatusDoing TaskStatus = "DOING"
	TaskStatusDone  TaskStatus = "DONE"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusOpen, TaskStatusDoing, TaskStatusDone:
		return true
	default:
		return false
	}
}

// ParseStatus accepts a status name in any letter case.
func ParseStatus(raw string) (TaskStatus, error) {
	s := TaskStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown task status %q", raw)
	}
	return s, nil
}

// DateLayout is the wire and storage format of a Date.
const DateLayout = "2006-01-02"

// Date is a calendar day. The wrapped time is always midnight UTC.
type Date struct {
	time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day in t's location.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func ParseDate(raw string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", raw, err)
	}
	return Date{Time: t}, nil
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("date must be a %s string", DateLayout)
	}
	parsed, err := ParseDate(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Task is the persisted record. Version is the optimistic-concurrency token.
type Task struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	DueDate     *Date      `json:"dueDate"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Fields is the caller-writable content of a task. Updates always carry the
// full set; there is no partial merge.
type Fields struct {
	Title       string
	Description string
	Status      TaskStatus
	DueDate     *Date
}

// Filter is the predicate shared by Store.Search and Store.Count.
// Empty values disable the corresponding condition.
type Filter struct {
	Status  TaskStatus
	Keyword string
}

// Page is one slice of a filtered search plus the size of the whole set.
type Page struct {
	Content []Task `json:"content"`
	Page    int    `json:"page"`
	Size    int    `json:"size"`
	Total   int64  `json:"total"`
}

func (t Task) Clone() Task {
	out := t
	if t.DueDate != nil {
		d := *t.DueDate
		out.DueDate = &d
	}
	return out
}

func (t *Task) apply(f Fields) {
	t.Title = f.Title
	t.Description = f.Description
	t.Status = f.Status
	t.DueDate = nil
	if f.DueDate != nil {
		d := *f.DueDate
		t.DueDate = &d
	}
}

// Matches reports whether t satisfies the filter predicate.
func (f Filter) Matches(t Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Keyword != "" && !strings.Contains(strings.ToLower(t.Title), strings.ToLower(f.Keyword)) {
		return false
	}
	return true
}
