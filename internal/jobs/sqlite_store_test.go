package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestJob(id string) *Job {
	return &Job{
		ID:               id,
		State:            StateQueued,
		Message:          "queued",
		RequestedOutputs: []OutputKind{OutputTranscript, OutputTranslation},
		OriginalName:     "lecture.mp4",
		InputPath:        "/tmp/in.mp4",
		CreatedAt:        time.Now().UTC(),
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("job-1")
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != StateQueued || got.Step != 0 {
		t.Fatalf("fresh job should be queued at step 0, got %s/%d", got.State, got.Step)
	}
	if len(got.RequestedOutputs) != 2 {
		t.Fatalf("requested outputs lost: %v", got.RequestedOutputs)
	}
	if got.OriginalName != "lecture.mp4" {
		t.Fatalf("original name mismatch: %q", got.OriginalName)
	}
}

func TestSQLiteStore_GetUnknownID(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetJob(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_ClaimNext(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if job, err := store.ClaimNext(ctx, time.Minute); err != nil || job != nil {
		t.Fatalf("claim on empty store = %v, %v", job, err)
	}

	older := newTestJob("job-old")
	older.CreatedAt = time.Now().UTC().Add(-time.Minute)
	if err := store.CreateJob(ctx, older); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.CreateJob(ctx, newTestJob("job-new")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	claimed, err := store.ClaimNext(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil || claimed.ID != "job-old" {
		t.Fatalf("expected oldest job claimed, got %+v", claimed)
	}
	if claimed.State != StateDispatched || claimed.Attempts != 1 {
		t.Fatalf("claim should dispatch with attempt 1, got %s/%d", claimed.State, claimed.Attempts)
	}
	if claimed.StartedAt == nil || claimed.LeaseExpiresAt == nil {
		t.Fatalf("claim should set started/lease timestamps: %+v", claimed)
	}

	// The claimed job must not be redelivered while its lease holds.
	second, err := store.ClaimNext(ctx, time.Minute)
	if err != nil {
		t.Fatalf("second ClaimNext: %v", err)
	}
	if second == nil || second.ID != "job-new" {
		t.Fatalf("expected second job claimed, got %+v", second)
	}
	if third, err := store.ClaimNext(ctx, time.Minute); err != nil || third != nil {
		t.Fatalf("no third claim expected, got %v, %v", third, err)
	}
}

func TestSQLiteStore_ExpiredLeaseRedelivery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateJob(ctx, newTestJob("job-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	// Claim with an already-expired lease to simulate a crashed worker.
	if job, err := store.ClaimNext(ctx, -time.Second); err != nil || job == nil {
		t.Fatalf("first claim: %v, %v", job, err)
	}

	redelivered, err := store.ClaimNext(ctx, time.Minute)
	if err != nil {
		t.Fatalf("redelivery claim: %v", err)
	}
	if redelivered == nil || redelivered.ID != "job-1" {
		t.Fatalf("expected redelivery, got %+v", redelivered)
	}
	if redelivered.Attempts != 2 {
		t.Fatalf("redelivery should bump attempts to 2, got %d", redelivered.Attempts)
	}
}

func TestSQLiteStore_ProgressAndArtifacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateJob(ctx, newTestJob("job-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.UpdateProgress(ctx, "job-1", 2, "generating transcript subtitles"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := store.SetArtifact(ctx, "job-1", OutputTranscript, "/tmp/a.srt"); err != nil {
		t.Fatalf("SetArtifact: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != StateRunning || got.Step != 2 {
		t.Fatalf("expected running step 2, got %s/%d", got.State, got.Step)
	}
	if got.Artifacts[OutputTranscript] != "/tmp/a.srt" {
		t.Fatalf("artifact not recorded: %v", got.Artifacts)
	}

	// A failure later must preserve artifacts from completed stages.
	expires := time.Now().UTC().Add(time.Hour)
	written, err := store.SaveError(ctx, "job-1", ErrKindDecode, "bad media", expires)
	if err != nil || !written {
		t.Fatalf("SaveError = %v, %v", written, err)
	}
	got, err = store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob after error: %v", err)
	}
	if got.State != StateFailed || got.Step != StepTerminalFailure {
		t.Fatalf("expected failed step -1, got %s/%d", got.State, got.Step)
	}
	if got.ErrorKind != ErrKindDecode || got.ErrorDetail != "bad media" {
		t.Fatalf("error fields mismatch: %q %q", got.ErrorKind, got.ErrorDetail)
	}
	if got.Artifacts[OutputTranscript] != "/tmp/a.srt" {
		t.Fatalf("artifact dropped on failure: %v", got.Artifacts)
	}
}

func TestSQLiteStore_TerminalStatesAreSticky(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	expires := time.Now().UTC().Add(time.Hour)

	if err := store.CreateJob(ctx, newTestJob("job-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	written, err := store.MarkCancelled(ctx, "job-1", expires)
	if err != nil || !written {
		t.Fatalf("MarkCancelled = %v, %v", written, err)
	}

	// A worker finishing late must not resurrect or overwrite the record.
	if err := store.UpdateProgress(ctx, "job-1", 3, "late progress"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if written, err := store.SaveResult(ctx, "job-1", 4, expires); err != nil || written {
		t.Fatalf("SaveResult against cancelled record = %v, %v", written, err)
	}
	if written, err := store.SaveError(ctx, "job-1", ErrKindInternal, "late", expires); err != nil || written {
		t.Fatalf("SaveError against cancelled record = %v, %v", written, err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != StateCancelled || got.Step != StepTerminalFailure {
		t.Fatalf("cancelled record overwritten: %s/%d", got.State, got.Step)
	}

	// Cancelling again is idempotent: zero rows affected, no error.
	if written, err := store.MarkCancelled(ctx, "job-1", expires); err != nil || written {
		t.Fatalf("second MarkCancelled = %v, %v", written, err)
	}
}

func TestSQLiteStore_CancellationRegistry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if marked, err := store.CancelRequested(ctx, "job-1"); err != nil || marked {
		t.Fatalf("fresh registry lookup = %v, %v", marked, err)
	}
	if err := store.RequestCancel(ctx, "job-1"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	// Second insert is an idempotent no-op.
	if err := store.RequestCancel(ctx, "job-1"); err != nil {
		t.Fatalf("second RequestCancel: %v", err)
	}
	if marked, err := store.CancelRequested(ctx, "job-1"); err != nil || !marked {
		t.Fatalf("marker lookup = %v, %v", marked, err)
	}
	if err := store.ClearCancel(ctx, "job-1"); err != nil {
		t.Fatalf("ClearCancel: %v", err)
	}
	if marked, err := store.CancelRequested(ctx, "job-1"); err != nil || marked {
		t.Fatalf("marker should be cleared, got %v, %v", marked, err)
	}
}

func TestSQLiteStore_RevokeQueued(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	expires := time.Now().UTC().Add(time.Hour)

	if err := store.CreateJob(ctx, newTestJob("job-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	revoked, err := store.RevokeQueued(ctx, "job-1", expires)
	if err != nil || !revoked {
		t.Fatalf("RevokeQueued on queued job = %v, %v", revoked, err)
	}

	// A dispatched job cannot be revoked from the queue anymore.
	if err := store.CreateJob(ctx, newTestJob("job-2")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.ClaimNext(ctx, time.Minute); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if revoked, err := store.RevokeQueued(ctx, "job-2", expires); err != nil || revoked {
		t.Fatalf("RevokeQueued on dispatched job = %v, %v", revoked, err)
	}
}

func TestSQLiteStore_ListAndDeleteExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"q1", "q2", "r1"} {
		if err := store.CreateJob(ctx, newTestJob(id)); err != nil {
			t.Fatalf("CreateJob %s: %v", id, err)
		}
	}
	if _, err := store.ClaimNext(ctx, time.Minute); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	queued, err := store.ListQueued(ctx)
	if err != nil || len(queued) != 2 {
		t.Fatalf("ListQueued = %v, %v", queued, err)
	}
	inflight, err := store.ListInFlight(ctx)
	if err != nil || len(inflight) != 1 {
		t.Fatalf("ListInFlight = %v, %v", inflight, err)
	}

	// Expire the in-flight job's record and sweep it.
	if _, err := store.SaveResult(ctx, inflight[0], 4, time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	n, err := store.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired record removed, got %d", n)
	}
	if _, err := store.GetJob(ctx, inflight[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired record should be gone, got %v", err)
	}
	// Non-terminal records are never swept.
	if _, err := store.GetJob(ctx, queued[0]); err != nil {
		t.Fatalf("queued record swept: %v", err)
	}
}

func TestSQLiteStore_DeleteExpiredPurgesOrphanMarkers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// A cancel for an id that never got a job record leaves a marker with no
	// matching row; the sweep must collect it.
	if err := store.RequestCancel(ctx, "never-submitted"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if err := store.CreateJob(ctx, newTestJob("job-1")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.RequestCancel(ctx, "job-1"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}

	if _, err := store.DeleteExpired(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if marked, err := store.CancelRequested(ctx, "never-submitted"); err != nil || marked {
		t.Fatalf("orphan marker survived the sweep: %v, %v", marked, err)
	}
	// The live job's marker is untouched.
	if marked, err := store.CancelRequested(ctx, "job-1"); err != nil || !marked {
		t.Fatalf("live marker lost: %v, %v", marked, err)
	}
}
