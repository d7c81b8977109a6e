package drip

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teranos/drip/drip/fixtures"
	"github.com/teranos/drip/drip/sender"
	driptest "github.com/teranos/drip/internal/testing"
)

// testNow sits in the middle of a five minute bucket
var testNow = time.Date(2026, 3, 2, 9, 2, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// seededDB returns a migrated database loaded with testdata/scenarios.yaml
func seededDB(t *testing.T) *sql.DB {
	t.Helper()
	db := driptest.CreateTestDB(t)
	fx, err := fixtures.Load("testdata/scenarios.yaml")
	require.NoError(t, err)
	_, err = fixtures.Seed(context.Background(), db, fx, testNow)
	require.NoError(t, err)
	return db
}

// seedBulk adds n due onboarding enrollments enr_e00.. for clients c00..
func seedBulk(t *testing.T, db *sql.DB, n int) {
	t.Helper()
	fx, err := fixtures.Load("testdata/scenarios.yaml")
	require.NoError(t, err)
	fx.Enrollments = nil
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%02d", i)
		fx.Clients = append(fx.Clients, fixtures.Client{ID: id, FirstName: id, Email: id + "@example.com"})
		fx.Enrollments = append(fx.Enrollments, fixtures.Enrollment{
			ID:         fmt.Sprintf("enr_e%02d", i),
			ClientID:   id,
			SequenceID: "seq_onboarding",
			DueIn:      fmt.Sprintf("-%dm", 60-i),
		})
	}
	_, err = fixtures.Seed(context.Background(), db, fx, testNow)
	require.NoError(t, err)
}

type sentMessage struct {
	To, Subject, Body string
}

// fakeSender records sends and fails for configured recipients
type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	failFor  map[string]string
	calls    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	delay    time.Duration
}

func newFakeSender() *fakeSender {
	return &fakeSender{failFor: make(map[string]string)}
}

func (f *fakeSender) Send(ctx context.Context, to, subject, body string) sender.Result {
	n := f.calls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if cur <= seen || f.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{To: to, Subject: subject, Body: body})
	if msg, ok := f.failFor[to]; ok {
		return sender.Result{Error: msg}
	}
	return sender.Delivered(fmt.Sprintf("ext_%d", n))
}

func (f *fakeSender) sentTo(to string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.To == to {
			out = append(out, m)
		}
	}
	return out
}

func dueByID(t *testing.T, store *Store, id string) *DueEnrollment {
	t.Helper()
	due, err := store.FetchDue(context.Background(), testNow, 100)
	require.NoError(t, err)
	for _, d := range due {
		if d.Enrollment.ID == id {
			return d
		}
	}
	t.Fatalf("enrollment %s is not due", id)
	return nil
}

func mustEnrollment(t *testing.T, store *Store, id string) *Enrollment {
	t.Helper()
	e, err := store.GetEnrollment(context.Background(), id)
	require.NoError(t, err)
	return e
}

// insertRawEnrollment writes an active step_1 onboarding enrollment for cl_ken
// with the given text columns as-is, the way an external writer would.
func insertRawEnrollment(t *testing.T, db *sql.DB, id, nextStepAt, createdAt string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO enrollments (id, client_id, sequence_id, current_step_id, status, next_step_at, created_at, updated_at)
		VALUES (?, 'cl_ken', 'seq_onboarding', 'step_1', 'active', ?, ?, ?)
	`, id, nextStepAt, createdAt, createdAt)
	require.NoError(t, err)
}
