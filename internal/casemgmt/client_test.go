package casemgmt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/fieldvisit-monitor/internal/upstream"
)

func newTestClient(server *httptest.Server) *Client {
	return &Client{
		baseURL:    server.URL,
		tokens:     upstream.NewStaticTokenSource("test-token", nil),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		pageSize:   2,
	}
}

func TestFetchRegistrationsPaginates(t *testing.T) {
	docs := []registrationObject{
		{CaseID: "s1", OwnerID: "w1", Properties: caseProperties{Name: "A", Eligible: "yes"}},
		{CaseID: "s2", OwnerID: "w1", Properties: caseProperties{Name: "B", Eligible: "no"}},
		{CaseID: "s3", OwnerID: "w2", Properties: caseProperties{Name: "C", Eligible: "yes"}},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/domains/dom-1/registrations", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		end := offset + 2
		if end > len(docs) {
			end = len(docs)
		}
		json.NewEncoder(w).Encode(registrationPage{
			Meta:    pageMeta{TotalCount: len(docs), Limit: 2, Offset: offset},
			Objects: docs[offset:end],
		})
	}))
	defer server.Close()

	client := newTestClient(server)
	profiles, err := client.FetchRegistrations(context.Background(), "dom-1")
	require.NoError(t, err)

	require.Len(t, profiles, 3)
	assert.Equal(t, "s1", profiles[0].SubjectID)
	assert.True(t, profiles[0].Eligible)
	assert.False(t, profiles[1].Eligible)
}

func TestFetchRegistrationsTokenExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(server)
	_, err := client.FetchRegistrations(context.Background(), "dom-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, upstream.ErrTokenExpired)
}

func TestCountRegistrations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/domains/dom-1/registrations", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(registrationPage{
			Meta:    pageMeta{TotalCount: 57, Limit: 1, Offset: 0},
			Objects: []registrationObject{{CaseID: "s1", OwnerID: "w1"}},
		})
	}))
	defer server.Close()

	client := newTestClient(server)
	total, err := client.CountRegistrations(context.Background(), "dom-1")
	require.NoError(t, err)
	assert.Equal(t, 57, total)
}

func TestFetchWorkerNames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/domains/dom-1/workers", r.URL.Path)
		json.NewEncoder(w).Encode(workerResponse{
			Workers: []workerObject{
				{UserID: "w1", Name: "Amina K."},
				{UserID: "w2", Name: "Joseph M."},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(server)
	names, err := client.FetchWorkerNames(context.Background(), "dom-1")
	require.NoError(t, err)

	assert.Equal(t, "Amina K.", names["w1"])
	assert.Equal(t, "Joseph M.", names["w2"])
}

func TestRegistrationScheduleParsing(t *testing.T) {
	doc := registrationObject{
		CaseID:   "s1",
		OwnerID:  "w1",
		OpenedOn: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Properties: caseProperties{
			Name:     "A",
			Contact:  "+254712345678",
			Eligible: "yes",
			EDD:      "2026-06-15",
		},
		Schedule: []scheduleSlot{
			{Slot: 1, VisitType: "registration_followup", ScheduledDate: "2026-02-08", ExpiryDate: "2026-03-10"},
			{Slot: 2, VisitType: "registration_followup", ScheduledDate: "2026-03-08"}, // no expiry: never-expiring
			{Slot: 3, VisitType: "", ScheduledDate: ""},                                // unpopulated slot
			{Slot: 9, VisitType: "registration_followup", ScheduledDate: "2026-04-08"}, // out of range
		},
	}

	profile := doc.toDomain()

	require.Len(t, profile.Expected, 2)
	assert.Equal(t, 1, profile.Expected[0].SlotIndex)
	require.NotNil(t, profile.Expected[0].ExpiryDate)
	assert.Equal(t, "2026-03-10", profile.Expected[0].ExpiryDate.Format("2006-01-02"))
	assert.Nil(t, profile.Expected[1].ExpiryDate)

	require.NotNil(t, profile.ExpectedDeliveryDate)
	assert.Equal(t, "2026-06-15", profile.ExpectedDeliveryDate.Format("2006-01-02"))
	assert.Nil(t, profile.ActualDeliveryDate)
}
