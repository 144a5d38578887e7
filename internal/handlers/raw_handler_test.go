package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/colligo/internal/bus"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/storage/memory"
)

type rawFixture struct {
	handler   *RawHandler
	raw       *memory.RawStore
	schedules *memory.ScheduleStore
	bus       *bus.MemoryBus
	schedule  *models.JobSchedule
}

func newRawFixture(t *testing.T) *rawFixture {
	t.Helper()
	raw := memory.NewRawStore()
	schedules := memory.NewScheduleStore()
	mbus := bus.NewMemoryBus(5, common.GetLogger())
	t.Cleanup(func() { _ = mbus.Close() })

	schedule := &models.JobSchedule{
		TenantID: 1, JobName: "jira-sync", Provider: "jira", Active: true,
	}
	require.NoError(t, schedules.SaveSchedule(context.Background(), schedule))

	return &rawFixture{
		handler:   NewRawHandler(raw, schedules, mbus, common.GetLogger()),
		raw:       raw,
		schedules: schedules,
		bus:       mbus,
		schedule:  schedule,
	}
}

func (f *rawFixture) addRaw(t *testing.T, status models.RawStatus, lastItem bool) *models.RawExtractionRecord {
	t.Helper()
	record := &models.RawExtractionRecord{
		TenantID:      1,
		IntegrationID: 7,
		JobID:         f.schedule.ID,
		StepName:      "issues",
		Type:          "issue",
		Payload:       []byte(`{}`),
		Status:        status,
		LastItem:      lastItem,
	}
	require.NoError(t, f.raw.CreateRaw(context.Background(), record))
	return record
}

func (f *rawFixture) post(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/raw/requeue", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.RequeueHandler(rec, req)
	return rec
}

func transformDepth(t *testing.T, f *rawFixture) int {
	t.Helper()
	depth, err := f.bus.QueueDepth(context.Background(), models.TransformQueue(1))
	require.NoError(t, err)
	return depth
}

func TestRequeueHandlerRepublishesSingleRecord(t *testing.T) {
	f := newRawFixture(t)
	record := f.addRaw(t, models.RawPending, true)

	rec := f.post(`{"tenant_id": 1, "raw_id": 1}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, transformDepth(t, f))

	got := make(chan models.TransformMessage, 1)
	stop, err := f.bus.Subscribe(context.Background(), models.TransformQueue(1),
		func(ctx context.Context, d *interfaces.Delivery) {
			var msg models.TransformMessage
			require.NoError(t, json.Unmarshal(d.Body, &msg))
			require.NoError(t, d.Ack())
			got <- msg
		})
	require.NoError(t, err)
	defer stop()

	select {
	case msg := <-got:
		assert.Equal(t, record.ID, msg.RawID)
		assert.Equal(t, "jira", msg.Provider)
		assert.Equal(t, "issues", msg.StepName)
		assert.True(t, msg.LastItem)
	case <-time.After(2 * time.Second):
		t.Fatal("transform message not delivered")
	}
}

func TestRequeueHandlerBulkRepublishesAllPending(t *testing.T) {
	f := newRawFixture(t)
	f.addRaw(t, models.RawPending, false)
	f.addRaw(t, models.RawPending, false)
	f.addRaw(t, models.RawPending, true)
	f.addRaw(t, models.RawCompleted, false)

	rec := f.post(`{"tenant_id": 1}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 3, resp["requeued"])
	assert.Equal(t, 3, transformDepth(t, f))
}

func TestRequeueHandlerBulkHonorsLimit(t *testing.T) {
	f := newRawFixture(t)
	f.addRaw(t, models.RawPending, false)
	f.addRaw(t, models.RawPending, false)
	f.addRaw(t, models.RawPending, true)

	rec := f.post(`{"tenant_id": 1, "limit": 2}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 2, resp["requeued"])
	assert.Equal(t, 2, transformDepth(t, f))
}

func TestRequeueHandlerBulkWithNoPendingRecords(t *testing.T) {
	f := newRawFixture(t)
	f.addRaw(t, models.RawCompleted, true)

	rec := f.post(`{"tenant_id": 1}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 0, resp["requeued"])
	assert.Equal(t, 0, transformDepth(t, f))
}

func TestRequeueHandlerRejectsBadRequests(t *testing.T) {
	f := newRawFixture(t)

	rec := f.post(`{"raw_id": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/raw/requeue", nil)
	rr := httptest.NewRecorder()
	f.handler.RequeueHandler(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRequeueHandlerSingleRecordErrors(t *testing.T) {
	f := newRawFixture(t)
	f.addRaw(t, models.RawCompleted, false)

	rec := f.post(`{"tenant_id": 1, "raw_id": 99}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.post(`{"tenant_id": 1, "raw_id": 1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 0, transformDepth(t, f))
}
