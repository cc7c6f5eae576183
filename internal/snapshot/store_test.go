package snapshot

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/fieldvisit-monitor/internal/followup"
	"github.com/ignite/fieldvisit-monitor/internal/stream"
)

// jsonContaining matches any []byte/string argument containing the
// substring.
type jsonContaining string

func (j jsonContaining) Match(v driver.Value) bool {
	return strings.Contains(argString(v), string(j))
}

// jsonLacking matches any []byte/string argument NOT containing the
// substring.
type jsonLacking string

func (j jsonLacking) Match(v driver.Value) bool {
	s := argString(v)
	return s != "" && !strings.Contains(s, string(j))
}

func argString(v driver.Value) string {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return ""
	}
}

type fakeArchiver struct {
	bodies map[string][]byte
	err    error
}

func (f *fakeArchiver) Archive(ctx context.Context, domainID, runID string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	if f.bodies == nil {
		f.bodies = make(map[string][]byte)
	}
	f.bodies[domainID+"/"+runID] = body
	return nil
}

func testPayload() *stream.Payload {
	rate := 0.5
	return &stream.Payload{
		Success:    true,
		DomainID:   "clinic-a",
		DomainName: "Clinic A",
		FollowupData: &stream.FollowupData{
			TotalSubjects: 2,
			WorkerSummaries: []*followup.WorkerRollup{
				{WorkerID: "w1", Subjects: 2, Completed: 1, FollowUpRate: &rate},
			},
			SubjectDrilldown: map[string][]followup.SubjectResult{
				"w1": {{SubjectID: "s1", WorkerID: "w1"}},
			},
		},
		ActiveWorkerIDs: []string{"w1"},
	}
}

const insertPattern = `INSERT INTO monitor_snapshots`

func TestSaveInProgressKeepsDrilldown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(insertPattern).
		WithArgs("clinic-a", "run-1", stream.RunInProgress,
			jsonContaining("subject_drilldown"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db, nil)
	err = store.Save(context.Background(), "clinic-a", "run-1", testPayload(), stream.RunInProgress)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCompletedStripsDrilldown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(insertPattern).
		WithArgs("clinic-a", "run-1", stream.RunCompleted,
			jsonLacking("subject_drilldown"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	arch := &fakeArchiver{}
	store := NewStore(db, arch)
	p := testPayload()

	err = store.Save(context.Background(), "clinic-a", "run-1", p, stream.RunCompleted)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	// The archiver receives the slimmed body
	body := arch.bodies["clinic-a/run-1"]
	require.NotEmpty(t, body)
	assert.NotContains(t, string(body), "subject_drilldown")

	// Stripping never mutates the payload the caller still streams
	assert.NotEmpty(t, p.FollowupData.SubjectDrilldown)
}

func TestSaveArchiveFailureIsNonFatal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(insertPattern).
		WithArgs("clinic-a", "run-1", stream.RunCompleted, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db, &fakeArchiver{err: errors.New("bucket gone")})
	err = store.Save(context.Background(), "clinic-a", "run-1", testPayload(), stream.RunCompleted)
	assert.NoError(t, err)
}

func TestLoadLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	body, err := json.Marshal(testPayload())
	require.NoError(t, err)
	updated := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT domain_id, run_id, status, payload, updated_at`)).
		WithArgs("clinic-a").
		WillReturnRows(sqlmock.NewRows(
			[]string{"domain_id", "run_id", "status", "payload", "updated_at"}).
			AddRow("clinic-a", "run-1", stream.RunCompleted, body, updated))

	store := NewStore(db, nil)
	rec, err := store.LoadLatest(context.Background(), "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, stream.RunCompleted, rec.Status)
	assert.Equal(t, updated, rec.UpdatedAt)
	require.NotNil(t, rec.Payload)
	assert.Equal(t, 2, rec.Payload.FollowupData.TotalSubjects)
}

func TestLoadNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT domain_id, run_id, status, payload, updated_at`)).
		WithArgs("clinic-a", "missing").
		WillReturnError(sql.ErrNoRows)

	store := NewStore(db, nil)
	_, err = store.Load(context.Background(), "clinic-a", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
