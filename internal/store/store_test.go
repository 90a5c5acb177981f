package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/darthnorse/dockmon-update-service/internal/update"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "updates.db")
	s, err := Open(dbPath, quietLog())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dbPath
}

func testRecord(hostID string, startedAt time.Time) *UpdateRecord {
	return &UpdateRecord{
		HostID:        hostID,
		ContainerID:   "abc123def456",
		ContainerName: "web",
		OldImage:      "nginx:1.25",
		NewImage:      "nginx:1.26",
		StartedAt:     startedAt,
	}
}

func TestCreateAndGetRecord(t *testing.T) {
	s, _ := openTestStore(t)

	rec := testRecord("host-1", time.Time{})
	if err := s.CreateRecord(rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("Expected record id to be filled in")
	}
	if rec.Status != StatusInProgress {
		t.Errorf("Expected status %q, got %q", StatusInProgress, rec.Status)
	}

	got, err := s.GetRecord(rec.ID)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.HostID != "host-1" || got.ContainerID != "abc123def456" || got.ContainerName != "web" {
		t.Errorf("Record fields mismatch: %+v", got)
	}
	if got.OldImage != "nginx:1.25" || got.NewImage != "nginx:1.26" {
		t.Errorf("Image fields mismatch: %+v", got)
	}
	if got.StartedAt.IsZero() {
		t.Error("Expected started_at to round-trip")
	}
	if !got.FinishedAt.IsZero() {
		t.Error("Expected no finished_at on an in-progress record")
	}
}

func TestCompleteRecordSuccess(t *testing.T) {
	s, _ := openTestStore(t)

	rec := testRecord("host-1", time.Now().UTC().Add(-2*time.Second))
	if err := s.CreateRecord(rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	result := &update.UpdateResult{
		Success:        true,
		HostID:         "host-1",
		OldContainerID: "abc123def456",
		NewContainerID: "deadbeef0000",
		ContainerName:  "web",
	}
	if err := s.CompleteRecord(rec.ID, result); err != nil {
		t.Fatalf("CompleteRecord failed: %v", err)
	}

	got, err := s.GetRecord(rec.ID)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Status != StatusSuccess {
		t.Errorf("Expected status %q, got %q", StatusSuccess, got.Status)
	}
	if got.NewContainerID != "deadbeef0000" {
		t.Errorf("Expected new container id carried, got %q", got.NewContainerID)
	}
	if got.FinishedAt.IsZero() {
		t.Error("Expected finished_at to be set")
	}
	if got.DurationMS <= 0 {
		t.Errorf("Expected positive duration, got %d", got.DurationMS)
	}
}

func TestCompleteRecordFailure(t *testing.T) {
	s, _ := openTestStore(t)

	rec := testRecord("host-1", time.Now().UTC())
	if err := s.CreateRecord(rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	result := &update.UpdateResult{
		Success:        false,
		HostID:         "host-1",
		OldContainerID: "abc123def456",
		ContainerName:  "web",
		RolledBack:     true,
		Error:          "health check failed: container is unhealthy",
	}
	if err := s.CompleteRecord(rec.ID, result); err != nil {
		t.Fatalf("CompleteRecord failed: %v", err)
	}

	got, err := s.GetRecord(rec.ID)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Expected status %q, got %q", StatusFailed, got.Status)
	}
	if !got.RolledBack {
		t.Error("Expected rolled_back carried")
	}
	if got.Error != "health check failed: container is unhealthy" {
		t.Errorf("Unexpected error message: %q", got.Error)
	}
}

func TestCompleteRecordUnknown(t *testing.T) {
	s, _ := openTestStore(t)

	err := s.CompleteRecord(9999, &update.UpdateResult{Success: true})
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestGetRecordUnknown(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.GetRecord(12345)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestListRecordsFiltersAndLimits(t *testing.T) {
	s, _ := openTestStore(t)

	now := time.Now().UTC()
	oldest := testRecord("host-1", now.Add(-2*time.Minute))
	middle := testRecord("host-2", now.Add(-time.Minute))
	newest := testRecord("host-1", now)
	newest.ContainerName = "api"
	for _, rec := range []*UpdateRecord{oldest, middle, newest} {
		if err := s.CreateRecord(rec); err != nil {
			t.Fatalf("CreateRecord failed: %v", err)
		}
	}

	all, err := s.ListRecords("", 0)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(all))
	}
	if all[0].ContainerName != "api" {
		t.Errorf("Expected newest record first, got %+v", all[0])
	}

	host1, err := s.ListRecords("host-1", 0)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(host1) != 2 {
		t.Fatalf("Expected 2 records for host-1, got %d", len(host1))
	}
	for _, rec := range host1 {
		if rec.HostID != "host-1" {
			t.Errorf("Expected only host-1 records, got %+v", rec)
		}
	}

	limited, err := s.ListRecords("", 1)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("Expected 1 record with limit 1, got %d", len(limited))
	}
}

func TestReopenMarksInterrupted(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "updates.db")
	s, err := Open(dbPath, quietLog())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	rec := testRecord("host-1", time.Now().UTC())
	if err := s.CreateRecord(rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(dbPath, quietLog())
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetRecord(rec.ID)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Status != StatusInterrupted {
		t.Errorf("Expected status %q after reopen, got %q", StatusInterrupted, got.Status)
	}
	if got.Error == "" {
		t.Error("Expected an explanatory error message")
	}
	if got.FinishedAt.IsZero() {
		t.Error("Expected finished_at on an interrupted record")
	}
}
