// Package fixtures loads sequence definitions, clients and enrollments from
// YAML and writes them into a drip database. It backs `drip seed` and the
// engine tests.
package fixtures

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teranos/drip/drip/render"
	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/pulse/schedule"
)

// Fixture is the root document of a fixtures file
type Fixture struct {
	Templates   []Template   `yaml:"templates"`
	Sequences   []Sequence   `yaml:"sequences"`
	Clients     []Client     `yaml:"clients"`
	Enrollments []Enrollment `yaml:"enrollments"`
}

// Template is a message template definition
type Template struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// Sequence is a sequence with its steps inline
type Sequence struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	IsActive *bool  `yaml:"is_active"` // default true
	Steps    []Step `yaml:"steps"`
}

// Step is one step of a sequence
type Step struct {
	ID         string `yaml:"id"`
	StepNumber int    `yaml:"step_number"`
	DelayDays  int    `yaml:"delay_days"`
	DelayHours int    `yaml:"delay_hours"`
	IsActive   *bool  `yaml:"is_active"` // default true
	TemplateID string `yaml:"template_id"`
}

// Client is an enrollment recipient
type Client struct {
	ID        string `yaml:"id"`
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
	Email     string `yaml:"email"`
	Phone     string `yaml:"phone"`
}

// Enrollment places a client in a sequence.
// NextStepAt takes an absolute timestamp; DueIn is an offset from the seed
// time ("-1h" is already due). Neither set means due at the seed time.
type Enrollment struct {
	ID             string `yaml:"id"`
	ClientID       string `yaml:"client_id"`
	SequenceID     string `yaml:"sequence_id"`
	CurrentStepID  string `yaml:"current_step_id"` // default: first active step
	Status         string `yaml:"status"`          // default: active
	StepsCompleted int    `yaml:"steps_completed"`
	NextStepAt     string `yaml:"next_step_at"`
	DueIn          string `yaml:"due_in"`
	PauseReason    string `yaml:"pause_reason"`
}

// Counts reports how many rows of each kind were written
type Counts struct {
	Templates   int `json:"templates"`
	Sequences   int `json:"sequences"`
	Steps       int `json:"steps"`
	Clients     int `json:"clients"`
	Enrollments int `json:"enrollments"`
}

// Load reads and validates a fixtures file
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read fixtures %s", path)
	}
	fx, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "fixtures %s", path)
	}
	return fx, nil
}

// Parse decodes a fixtures document, rejecting unknown fields
func Parse(data []byte) (*Fixture, error) {
	var fx Fixture
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil {
		return nil, errors.Wrap(err, "failed to parse fixtures")
	}
	if err := fx.Validate(); err != nil {
		return nil, err
	}
	return &fx, nil
}

// Validate checks ids and references inside the document
func (fx *Fixture) Validate() error {
	templates := make(map[string]bool)
	for _, t := range fx.Templates {
		if t.ID == "" {
			return errors.New("template without id")
		}
		if templates[t.ID] {
			return errors.Newf("duplicate template %s", t.ID)
		}
		templates[t.ID] = true
	}

	steps := make(map[string]string) // step id -> sequence id
	sequences := make(map[string]bool)
	for _, s := range fx.Sequences {
		if s.ID == "" {
			return errors.New("sequence without id")
		}
		if sequences[s.ID] {
			return errors.Newf("duplicate sequence %s", s.ID)
		}
		sequences[s.ID] = true

		numbers := make(map[int]bool)
		for _, st := range s.Steps {
			if st.ID == "" {
				return errors.Newf("sequence %s: step without id", s.ID)
			}
			if _, dup := steps[st.ID]; dup {
				return errors.Newf("duplicate step %s", st.ID)
			}
			if numbers[st.StepNumber] {
				return errors.Newf("sequence %s: duplicate step_number %d", s.ID, st.StepNumber)
			}
			if st.DelayDays < 0 || st.DelayHours < 0 {
				return errors.Newf("step %s: negative delay", st.ID)
			}
			if st.TemplateID != "" && !templates[st.TemplateID] {
				return errors.Newf("step %s: unknown template %s", st.ID, st.TemplateID)
			}
			numbers[st.StepNumber] = true
			steps[st.ID] = s.ID
		}
	}

	clients := make(map[string]bool)
	for _, c := range fx.Clients {
		if c.ID == "" {
			return errors.New("client without id")
		}
		if clients[c.ID] {
			return errors.Newf("duplicate client %s", c.ID)
		}
		clients[c.ID] = true
	}

	for _, e := range fx.Enrollments {
		if e.ID == "" {
			return errors.New("enrollment without id")
		}
		if !clients[e.ClientID] {
			return errors.Newf("enrollment %s: unknown client %s", e.ID, e.ClientID)
		}
		if !sequences[e.SequenceID] {
			return errors.Newf("enrollment %s: unknown sequence %s", e.ID, e.SequenceID)
		}
		if e.CurrentStepID != "" && steps[e.CurrentStepID] != e.SequenceID {
			return errors.Newf("enrollment %s: step %s is not in sequence %s", e.ID, e.CurrentStepID, e.SequenceID)
		}
		switch e.Status {
		case "", "active", "paused", "completed":
		default:
			return errors.Newf("enrollment %s: invalid status %q", e.ID, e.Status)
		}
		if e.NextStepAt != "" && e.DueIn != "" {
			return errors.Newf("enrollment %s: set next_step_at or due_in, not both", e.ID)
		}
		if e.DueIn != "" {
			if _, err := time.ParseDuration(e.DueIn); err != nil {
				return errors.Wrapf(err, "enrollment %s: due_in", e.ID)
			}
		}
		if e.NextStepAt != "" {
			if _, err := schedule.ParseTimestamp(e.NextStepAt); err != nil {
				return errors.Wrapf(err, "enrollment %s: next_step_at", e.ID)
			}
		}
	}
	return nil
}

// Warnings lists template tokens that no variable resolves. They render as
// empty text, which is rarely what the author meant.
func (fx *Fixture) Warnings() []string {
	var warnings []string
	for _, t := range fx.Templates {
		unknown := append(render.Unknown(t.Subject), render.Unknown(t.Body)...)
		sort.Strings(unknown)
		for i, name := range unknown {
			if i > 0 && unknown[i-1] == name {
				continue
			}
			warnings = append(warnings, fmt.Sprintf("template %s: unknown token {{%s}}", t.ID, name))
		}
	}
	return warnings
}

// Seed writes fx into db in one transaction. Definitions and clients are
// upserted; existing enrollments are left untouched so reseeding never
// rewinds progress.
func Seed(ctx context.Context, db *sql.DB, fx *Fixture, now time.Time) (Counts, error) {
	var counts Counts

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return counts, errors.Wrap(err, "failed to begin seed transaction")
	}
	defer tx.Rollback()

	for _, t := range fx.Templates {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO templates (id, name, subject, body) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, subject = excluded.subject, body = excluded.body
		`, t.ID, t.Name, t.Subject, t.Body); err != nil {
			return counts, errors.Wrapf(err, "failed to seed template %s", t.ID)
		}
		counts.Templates++
	}

	for _, s := range fx.Sequences {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sequences (id, name, is_active) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, is_active = excluded.is_active
		`, s.ID, s.Name, boolDefault(s.IsActive)); err != nil {
			return counts, errors.Wrapf(err, "failed to seed sequence %s", s.ID)
		}
		counts.Sequences++

		for _, st := range s.Steps {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sequence_steps (id, sequence_id, step_number, delay_days, delay_hours, is_active, template_id)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					step_number = excluded.step_number,
					delay_days = excluded.delay_days,
					delay_hours = excluded.delay_hours,
					is_active = excluded.is_active,
					template_id = excluded.template_id
			`, st.ID, s.ID, st.StepNumber, st.DelayDays, st.DelayHours, boolDefault(st.IsActive), nullIfEmpty(st.TemplateID)); err != nil {
				return counts, errors.Wrapf(err, "failed to seed step %s", st.ID)
			}
			counts.Steps++
		}
	}

	for _, c := range fx.Clients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO clients (id, first_name, last_name, email, phone) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				first_name = excluded.first_name,
				last_name = excluded.last_name,
				email = excluded.email,
				phone = excluded.phone
		`, c.ID, c.FirstName, c.LastName, c.Email, c.Phone); err != nil {
			return counts, errors.Wrapf(err, "failed to seed client %s", c.ID)
		}
		counts.Clients++
	}

	ts := schedule.FormatTimestamp(now)
	for _, e := range fx.Enrollments {
		status := e.Status
		if status == "" {
			status = "active"
		}
		stepID := e.CurrentStepID
		if stepID == "" && status != "completed" {
			stepID = fx.firstActiveStep(e.SequenceID)
		}

		var nextStepAt interface{}
		if status == "active" {
			at, err := e.dueAt(now)
			if err != nil {
				return counts, err
			}
			nextStepAt = schedule.FormatTimestamp(at)
		}
		var completedAt interface{}
		if status == "completed" {
			completedAt = ts
			stepID = ""
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO enrollments (
				id, client_id, sequence_id, current_step_id, status, steps_completed,
				next_step_at, pause_reason, completed_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, e.ID, e.ClientID, e.SequenceID, nullIfEmpty(stepID), status, e.StepsCompleted,
			nextStepAt, nullIfEmpty(e.PauseReason), completedAt, ts, ts)
		if err != nil {
			return counts, errors.Wrapf(err, "failed to seed enrollment %s", e.ID)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			counts.Enrollments++
		}
	}

	if err := tx.Commit(); err != nil {
		return counts, errors.Wrap(err, "failed to commit seed")
	}
	return counts, nil
}

func (fx *Fixture) firstActiveStep(sequenceID string) string {
	best := ""
	bestNumber := 0
	for _, s := range fx.Sequences {
		if s.ID != sequenceID {
			continue
		}
		for _, st := range s.Steps {
			if !boolDefault(st.IsActive) {
				continue
			}
			if best == "" || st.StepNumber < bestNumber {
				best, bestNumber = st.ID, st.StepNumber
			}
		}
	}
	return best
}

func (e Enrollment) dueAt(now time.Time) (time.Time, error) {
	switch {
	case e.NextStepAt != "":
		return schedule.ParseTimestamp(e.NextStepAt)
	case e.DueIn != "":
		d, err := time.ParseDuration(e.DueIn)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "enrollment %s: due_in", e.ID)
		}
		return now.Add(d), nil
	}
	return now, nil
}

func boolDefault(b *bool) bool {
	return b == nil || *b
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
