package submission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/fieldvisit-monitor/internal/config"
	"github.com/ignite/fieldvisit-monitor/internal/domain"
	"github.com/ignite/fieldvisit-monitor/internal/upstream"
)

func newTestClient(server *httptest.Server) *Client {
	return &Client{
		baseURL:        server.URL,
		tokens:         upstream.NewStaticTokenSource("test-token", nil),
		httpClient:     &http.Client{Timeout: 5 * time.Second},
		pageSize:       2,
		maxConcurrency: 2,
	}
}

func testRange() domain.DateRange {
	to := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	return domain.DateRange{From: to.AddDate(0, 0, -30), To: to}
}

func TestNewClient(t *testing.T) {
	cfg := config.SubmissionConfig{
		BaseURL:  "https://submissions.example.org/api/v1",
		PageSize: 500,
	}
	client := NewClient(cfg, upstream.NewStaticTokenSource("tok", nil))

	assert.NotNil(t, client)
	assert.Equal(t, "https://submissions.example.org/api/v1", client.baseURL)
	assert.Equal(t, 500, client.pageSize)
}

func TestFetchVisitRecordsPaginates(t *testing.T) {
	visits := []visitObject{
		{CaseID: "s1", UserID: "w1", FormType: "reg_followup", CompletedOn: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{CaseID: "s2", UserID: "w1", FormType: "reg_followup", CompletedOn: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{CaseID: "s3", UserID: "w2", FormType: "del_followup", CompletedOn: time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)},
		{CaseID: "s4", UserID: "w2", FormType: "del_followup", CompletedOn: time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)},
		{CaseID: "s5", UserID: "w3", FormType: "reg_followup", CompletedOn: time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/domains/dom-1/visits", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		end := offset + limit
		if end > len(visits) {
			end = len(visits)
		}

		json.NewEncoder(w).Encode(visitPage{
			Meta:    pageMeta{TotalCount: len(visits), Limit: limit, Offset: offset},
			Objects: visits[offset:end],
		})
	}))
	defer server.Close()

	client := newTestClient(server)
	records, err := client.FetchVisitRecords(context.Background(), "dom-1", testRange())
	require.NoError(t, err)

	require.Len(t, records, 5)
	// Feed order must be preserved across concurrently fetched pages
	assert.Equal(t, "s1", records[0].SubjectID)
	assert.Equal(t, "s5", records[4].SubjectID)
	assert.Equal(t, "reg_followup", records[0].VisitType)
}

func TestFetchVisitRecordsTokenExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(server)
	_, err := client.FetchVisitRecords(context.Background(), "dom-1", testRange())
	require.Error(t, err)
	assert.ErrorIs(t, err, upstream.ErrTokenExpired)
}

func TestFetchVisitRecordsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(server)
	_, err := client.FetchVisitRecords(context.Background(), "dom-1", testRange())
	require.Error(t, err)
	assert.ErrorIs(t, err, upstream.ErrUnavailable)
}

func TestFetchVisitRecordsCancellation(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		cancel() // cancel mid-flight; subsequent pages must not be fetched
		json.NewEncoder(w).Encode(visitPage{
			Meta:    pageMeta{TotalCount: 100, Limit: 2, Offset: 0},
			Objects: []visitObject{{CaseID: "s1", UserID: "w1"}},
		})
	}))
	defer server.Close()

	client := newTestClient(server)
	_, err := client.FetchVisitRecords(ctx, "dom-1", testRange())
	require.Error(t, err)

	// The first page plus at most maxConcurrency in-flight pages
	assert.LessOrEqual(t, calls.Load(), int32(3))
}

func TestCountVisitRecords(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/domains/dom-1/visits", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(visitPage{
			Meta:    pageMeta{TotalCount: 412, Limit: 1, Offset: 0},
			Objects: []visitObject{{CaseID: "s1", UserID: "w1"}},
		})
	}))
	defer server.Close()

	client := newTestClient(server)
	total, err := client.CountVisitRecords(context.Background(), "dom-1", testRange())
	require.NoError(t, err)
	assert.Equal(t, 412, total)
}

func TestFetchWorkerScores(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/domains/dom-1/worker-scores", r.URL.Path)
		json.NewEncoder(w).Encode(scoreResponse{
			Scores: []scoreObject{
				{UserID: "w1", Score: 0.92, Rank: 1},
				{UserID: "w2", Score: 0.71, Rank: 2},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(server)
	scores, err := client.FetchWorkerScores(context.Background(), "dom-1")
	require.NoError(t, err)

	require.Len(t, scores, 2)
	assert.Equal(t, 0.92, scores["w1"].Score)
	assert.Equal(t, 2, scores["w2"].Rank)
}

func TestVisitObjectLocationMapping(t *testing.T) {
	obj := visitObject{
		CaseID:      "s1",
		UserID:      "w1",
		FormType:    "reg_followup",
		CompletedOn: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		GPS:         &gpsRecord{Lat: -1.2921, Lon: 36.8219},
	}

	rec := obj.toDomain()
	require.NotNil(t, rec.Location)
	assert.Equal(t, -1.2921, rec.Location.Lat)
	assert.True(t, rec.HasLocation())

	noGPS := visitObject{CaseID: "s2"}.toDomain()
	assert.False(t, noGPS.HasLocation())
}
