package archive

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"generation-tracker/internal/models"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	execs   []execCall
	execErr error
	rows    [][]any
	queries []execCall
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, execCall{sql: sql, args: args})
	return &fakeRows{rows: f.rows, i: -1}, nil
}

type fakeRows struct {
	rows [][]any
	i    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.i], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.i++
	return r.i < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.i]
	if len(dest) != len(row) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(row[i]))
	}
	return nil
}

func TestRecordTerminal(t *testing.T) {
	db := &fakeDB{}
	s := NewWithDB(db)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := s.RecordTerminal(context.Background(), models.Job{
		ID:        "job-1",
		Kind:      "video",
		Status:    models.StatusCompleted,
		Stage:     "saving",
		Result:    map[string]any{"url": "https://cdn/x.mp4"},
		CreatedAt: now.Add(-time.Minute),
		UpdatedAt: now,
	})
	require.NoError(t, err)
	require.Len(t, db.execs, 1)
	call := db.execs[0]
	assert.Contains(t, call.sql, "ON CONFLICT (id) DO UPDATE")
	assert.Equal(t, "job-1", call.args[0])
	assert.Equal(t, "completed", call.args[2])
	assert.JSONEq(t, `{"url":"https://cdn/x.mp4"}`, string(call.args[4].([]byte)))
	assert.Nil(t, call.args[5].(*string))
	assert.Equal(t, now, call.args[8])
}

func TestRecordTerminalSkipsLiveJobs(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, NewWithDB(db).RecordTerminal(context.Background(), models.Job{ID: "j", Status: models.StatusProcessing}))
	assert.Empty(t, db.execs)
}

func TestRecordTerminalWrapsErrors(t *testing.T) {
	db := &fakeDB{execErr: errors.New("connection refused")}
	err := NewWithDB(db).RecordTerminal(context.Background(), models.Job{ID: "j", Status: models.StatusFailed, Error: "boom"})
	assert.ErrorContains(t, err, "record job j")
}

func TestRecent(t *testing.T) {
	result, _ := json.Marshal(map[string]any{"html": "<html></html>"})
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeDB{rows: [][]any{
		{"a", "website", "completed", "validating", result, pgtype.Text{}, created, created.Add(time.Minute)},
		{"b", "video", "failed", "rendering", []byte(nil), pgtype.Text{String: "Runway: task failed", Valid: true}, created, created.Add(2 * time.Minute)},
	}}

	jobs, err := NewWithDB(db).Recent(context.Background(), 500)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, 200, db.queries[0].args[0])

	assert.Equal(t, models.StatusCompleted, jobs[0].Status)
	assert.Equal(t, "<html></html>", jobs[0].Result["html"])
	assert.Empty(t, jobs[0].Error)
	assert.Equal(t, models.StatusFailed, jobs[1].Status)
	assert.Equal(t, "Runway: task failed", jobs[1].Error)
	assert.Nil(t, jobs[1].Result)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 20, ClampLimit(0))
	assert.Equal(t, 20, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, 200, ClampLimit(1000))
}

func TestRunMigrations(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, NewWithDB(db).RunMigrations(context.Background()))
	require.NotEmpty(t, db.execs)
	assert.True(t, strings.Contains(db.execs[0].sql, "generation_history"))
	assert.True(t, strings.Contains(db.execs[0].sql, "audit_logs"))
}
