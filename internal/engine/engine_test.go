package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cadenzadev/cadenza/internal/store"
	syncwire "github.com/cadenzadev/cadenza/internal/sync"
	"github.com/cadenzadev/cadenza/internal/types"
)

// fakeRemote is a scriptable Remote for engine tests.
type fakeRemote struct {
	mu      sync.Mutex
	pingErr error
	pushFn  func(req syncwire.PushRequest) (*syncwire.PushResponse, error)
	pullFn  func(table, since string, limit int) (*syncwire.PullResponse, error)
	pushes  []syncwire.PushRequest
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeRemote) Push(ctx context.Context, req syncwire.PushRequest) (*syncwire.PushResponse, error) {
	f.mu.Lock()
	f.pushes = append(f.pushes, req)
	fn := f.pushFn
	f.mu.Unlock()
	if fn == nil {
		return &syncwire.PushResponse{}, nil
	}
	return fn(req)
}

func (f *fakeRemote) Pull(ctx context.Context, table, since string, limit int) (*syncwire.PullResponse, error) {
	f.mu.Lock()
	fn := f.pullFn
	f.mu.Unlock()
	if fn == nil {
		return &syncwire.PullResponse{NextCursor: since}, nil
	}
	return fn(table, since, limit)
}

// acceptAll acknowledges every pushed record with sequential revisions.
func acceptAll() func(req syncwire.PushRequest) (*syncwire.PushResponse, error) {
	var seq int64
	return func(req syncwire.PushRequest) (*syncwire.PushResponse, error) {
		resp := &syncwire.PushResponse{}
		for _, rec := range req.Records {
			seq++
			resp.Accepted = append(resp.Accepted, syncwire.PushAck{ID: rec.ID, RemoteVersion: seq})
		}
		return resp, nil
	}
}

func newTestEngine(t *testing.T, remote Remote) (*store.SQLiteStore, *Engine) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	return s, New(s, remote, cfg)
}

func createLocalTune(t *testing.T, s *store.SQLiteStore, id, title string, now time.Time) {
	t.Helper()
	payload, _ := json.Marshal(types.Tune{Title: title})
	_, err := s.ApplyLocalMutation(context.Background(), store.Mutation{
		Table:     types.TableTunes,
		RecordID:  id,
		Operation: types.OpCreate,
		OwnerID:   "owner-1",
		Payload:   payload,
	}, now)
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestPushCycle_DrainsQueueAndBumpsVersion(t *testing.T) {
	remote := &fakeRemote{pushFn: acceptAll()}
	s, eng := newTestEngine(t, remote)
	ctx := context.Background()
	now := time.Now().UTC()

	// Given: two pending local creates
	createLocalTune(t, s, "tune-1", "First", now)
	createLocalTune(t, s, "tune-2", "Second", now)

	// When: one push cycle runs
	if err := eng.ForceSyncUp(ctx); err != nil {
		t.Fatalf("ForceSyncUp failed: %v", err)
	}

	// Then: the queue is empty and the sync version advanced once
	pending, _ := eng.PendingCount(ctx)
	if pending != 0 {
		t.Errorf("expected empty queue, got %d", pending)
	}
	if eng.SyncVersion() != 1 {
		t.Errorf("expected sync version 1, got %d", eng.SyncVersion())
	}
}

func TestPushCycle_EmptyQueueDoesNotBump(t *testing.T) {
	remote := &fakeRemote{pushFn: acceptAll()}
	_, eng := newTestEngine(t, remote)

	if err := eng.ForceSyncUp(context.Background()); err != nil {
		t.Fatalf("ForceSyncUp failed: %v", err)
	}
	if eng.SyncVersion() != 0 {
		t.Errorf("expected version unchanged on empty queue, got %d", eng.SyncVersion())
	}
	if len(remote.pushes) != 0 {
		t.Errorf("expected no requests for empty queue, got %d", len(remote.pushes))
	}
}

func TestPushCycle_TransportFailureBacksOffAll(t *testing.T) {
	remote := &fakeRemote{
		pushFn: func(syncwire.PushRequest) (*syncwire.PushResponse, error) {
			return nil, errors.New("connection refused")
		},
	}
	s, eng := newTestEngine(t, remote)
	ctx := context.Background()
	now := time.Now().UTC()

	createLocalTune(t, s, "tune-1", "First", now)

	if err := eng.ForceSyncUp(ctx); err != nil {
		t.Fatalf("ForceSyncUp failed: %v", err)
	}

	// Then: the entry survives, backing off, and nothing was committed
	pending, _ := eng.PendingCount(ctx)
	if pending != 1 {
		t.Errorf("expected entry retained, got %d pending", pending)
	}
	if eng.SyncVersion() != 0 {
		t.Errorf("expected no version bump on failure, got %d", eng.SyncVersion())
	}
}

func TestPushCycle_GroupsOneRequestPerTable(t *testing.T) {
	remote := &fakeRemote{pushFn: acceptAll()}
	s, eng := newTestEngine(t, remote)
	ctx := context.Background()
	now := time.Now().UTC()

	createLocalTune(t, s, "tune-1", "Tune", now)
	payload, _ := json.Marshal(types.Note{TuneID: "tune-1", Text: "slow down bar 3", CreatedAt: now})
	if _, err := s.ApplyLocalMutation(ctx, store.Mutation{
		Table:     types.TableNotes,
		RecordID:  "note-1",
		Operation: types.OpCreate,
		OwnerID:   "owner-1",
		Payload:   payload,
	}, now); err != nil {
		t.Fatalf("create note: %v", err)
	}

	if err := eng.ForceSyncUp(ctx); err != nil {
		t.Fatalf("ForceSyncUp failed: %v", err)
	}

	// Then: two requests, one per table, each with a distinct push ID
	if len(remote.pushes) != 2 {
		t.Fatalf("expected 2 push requests, got %d", len(remote.pushes))
	}
	if remote.pushes[0].PushID == remote.pushes[1].PushID {
		t.Error("expected distinct push IDs per request")
	}
	tables := map[string]bool{}
	for _, req := range remote.pushes {
		tables[req.Table] = true
		if req.SourceID != s.SourceID() {
			t.Errorf("expected source ID %s, got %s", s.SourceID(), req.SourceID)
		}
	}
	if !tables["tunes"] || !tables["notes"] {
		t.Errorf("expected one request per table, got %v", tables)
	}
}

func TestPushCycle_VersionMismatchLocalNewerRequeues(t *testing.T) {
	now := time.Now().UTC()
	remotePayload, _ := json.Marshal(types.Tune{Title: "Stale Remote"})
	remote := &fakeRemote{
		pushFn: func(req syncwire.PushRequest) (*syncwire.PushResponse, error) {
			resp := &syncwire.PushResponse{}
			for _, rec := range req.Records {
				resp.Rejected = append(resp.Rejected, syncwire.PushReject{
					ID:            rec.ID,
					Reason:        syncwire.RejectVersionMismatch,
					RemoteVersion: 8,
					Remote: &syncwire.Record{
						ID:            rec.ID,
						Table:         req.Table,
						Payload:       remotePayload,
						RemoteVersion: 8,
						UpdatedAt:     now.Add(-time.Hour), // remote write is older
					},
				})
			}
			return resp, nil
		},
	}
	s, eng := newTestEngine(t, remote)
	ctx := context.Background()

	createLocalTune(t, s, "tune-1", "Fresh Local", now)

	if err := eng.ForceSyncUp(ctx); err != nil {
		t.Fatalf("ForceSyncUp failed: %v", err)
	}

	// Then: the entry is pending again, rebased on revision 8
	batch, err := s.NextBatch(ctx, 10, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected requeued entry, got %d", len(batch))
	}
	if batch[0].BaseRemoteVersion == nil || *batch[0].BaseRemoteVersion != 8 {
		t.Errorf("expected base 8, got %v", batch[0].BaseRemoteVersion)
	}
}

func TestPushCycle_VersionMismatchRemoteNewerOverwrites(t *testing.T) {
	now := time.Now().UTC()
	remotePayload, _ := json.Marshal(types.Tune{Title: "Fresh Remote"})
	remote := &fakeRemote{
		pushFn: func(req syncwire.PushRequest) (*syncwire.PushResponse, error) {
			resp := &syncwire.PushResponse{}
			for _, rec := range req.Records {
				resp.Rejected = append(resp.Rejected, syncwire.PushReject{
					ID:            rec.ID,
					Reason:        syncwire.RejectVersionMismatch,
					RemoteVersion: 8,
					Remote: &syncwire.Record{
						ID:            rec.ID,
						Table:         req.Table,
						Payload:       remotePayload,
						RemoteVersion: 8,
						UpdatedAt:     now.Add(time.Hour), // remote write is newer
					},
				})
			}
			return resp, nil
		},
	}
	s, eng := newTestEngine(t, remote)
	ctx := context.Background()

	createLocalTune(t, s, "tune-1", "Stale Local", now)

	if err := eng.ForceSyncUp(ctx); err != nil {
		t.Fatalf("ForceSyncUp failed: %v", err)
	}

	// Then: the remote copy replaced the local one and the loss is recorded
	rec, err := s.GetRecord(ctx, types.TableTunes, "tune-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	var tune types.Tune
	if err := json.Unmarshal(rec.Payload, &tune); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if tune.Title != "Fresh Remote" {
		t.Errorf("expected remote payload, got %q", tune.Title)
	}
	pending, _ := eng.PendingCount(ctx)
	if pending != 0 {
		t.Errorf("expected losing entry dropped, got %d pending", pending)
	}
	conflicts, _ := s.ListConflicts(ctx, false)
	if len(conflicts) != 1 {
		t.Errorf("expected 1 recorded conflict, got %d", len(conflicts))
	}
}

func TestPushCycle_InvalidRejectIsTerminal(t *testing.T) {
	remote := &fakeRemote{
		pushFn: func(req syncwire.PushRequest) (*syncwire.PushResponse, error) {
			resp := &syncwire.PushResponse{}
			for _, rec := range req.Records {
				resp.Rejected = append(resp.Rejected, syncwire.PushReject{
					ID:     rec.ID,
					Reason: syncwire.RejectInvalid,
				})
			}
			return resp, nil
		},
	}
	s, eng := newTestEngine(t, remote)
	ctx := context.Background()
	now := time.Now().UTC()

	createLocalTune(t, s, "tune-1", "Tune", now)

	if err := eng.ForceSyncUp(ctx); err != nil {
		t.Fatalf("ForceSyncUp failed: %v", err)
	}

	failed, err := s.FailedEntries(ctx)
	if err != nil {
		t.Fatalf("FailedEntries failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 terminally failed entry, got %d", len(failed))
	}
	if failed[0].LastError != syncwire.RejectInvalid {
		t.Errorf("expected reject reason preserved, got %q", failed[0].LastError)
	}
}

func TestIncrementalPull_PagesUntilShortPage(t *testing.T) {
	now := time.Now().UTC()
	payload, _ := json.Marshal(types.Tune{Title: "Pulled"})

	// Two pages: a full page of PullLimit records, then a short one.
	remote := &fakeRemote{}
	remote.pullFn = func(table, since string, limit int) (*syncwire.PullResponse, error) {
		if table != "tunes" {
			return &syncwire.PullResponse{NextCursor: since}, nil
		}
		switch since {
		case "":
			records := make([]syncwire.Record, limit)
			for i := range records {
				records[i] = syncwire.Record{
					ID:            fmt.Sprintf("tune-%d", i+1),
					Table:         table,
					Payload:       payload,
					RemoteVersion: int64(i + 1),
					UpdatedAt:     now,
				}
			}
			return &syncwire.PullResponse{Records: records, NextCursor: fmt.Sprint(limit)}, nil
		case fmt.Sprint(limit):
			return &syncwire.PullResponse{
				Records: []syncwire.Record{{
					ID:            "tune-last",
					Table:         table,
					Payload:       payload,
					RemoteVersion: int64(limit + 1),
					UpdatedAt:     now,
				}},
				NextCursor: fmt.Sprint(limit + 1),
			}, nil
		default:
			return &syncwire.PullResponse{NextCursor: since}, nil
		}
	}
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	cfg := DefaultConfig()
	cfg.PullLimit = 3
	eng := New(s, remote, cfg)
	ctx := context.Background()

	if err := eng.ForceSyncDown(ctx, false); err != nil {
		t.Fatalf("ForceSyncDown failed: %v", err)
	}

	// Then: both pages landed and the cursor sits past the last record
	records, err := s.ListRecords(ctx, types.TableTunes)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != eng.cfg.PullLimit+1 {
		t.Errorf("expected %d records, got %d", eng.cfg.PullLimit+1, len(records))
	}
	cursor, _ := s.GetCursor(ctx, types.TableTunes)
	if cursor != fmt.Sprint(eng.cfg.PullLimit+1) {
		t.Errorf("expected cursor %d, got %q", eng.cfg.PullLimit+1, cursor)
	}
}

func TestForceSyncDown_FullReconciles(t *testing.T) {
	now := time.Now().UTC()
	payload, _ := json.Marshal(types.Tune{Title: "Survivor"})
	remote := &fakeRemote{
		pullFn: func(table, since string, limit int) (*syncwire.PullResponse, error) {
			if table != "tunes" {
				return &syncwire.PullResponse{NextCursor: since}, nil
			}
			return &syncwire.PullResponse{
				Records: []syncwire.Record{{
					ID: "tune-1", Table: table, Payload: payload,
					RemoteVersion: 10, UpdatedAt: now,
				}},
				NextCursor: "10",
			}, nil
		},
	}
	s, eng := newTestEngine(t, remote)
	ctx := context.Background()

	// Given: a local record the remote no longer has, already synced
	createLocalTune(t, s, "tune-stale", "Gone Remotely", now)
	batch, _ := s.NextBatch(ctx, 10, now)
	if err := s.MarkSynced(ctx, batch[0], 5); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	// When: a full resync runs
	if err := eng.ForceSyncDown(ctx, true); err != nil {
		t.Fatalf("ForceSyncDown(full) failed: %v", err)
	}

	// Then: the stale row is gone and the remote one present
	if _, err := s.GetRecord(ctx, types.TableTunes, "tune-stale"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected stale row removed, got %v", err)
	}
	if _, err := s.GetRecord(ctx, types.TableTunes, "tune-1"); err != nil {
		t.Errorf("expected remote row present: %v", err)
	}
}

func TestWatch_DeliversLatestVersion(t *testing.T) {
	remote := &fakeRemote{pushFn: acceptAll()}
	s, eng := newTestEngine(t, remote)
	ctx := context.Background()
	now := time.Now().UTC()

	ch, cancel := eng.Watch()
	defer cancel()

	// When: two push cycles commit without the watcher reading
	createLocalTune(t, s, "tune-1", "First", now)
	if err := eng.ForceSyncUp(ctx); err != nil {
		t.Fatalf("ForceSyncUp failed: %v", err)
	}
	createLocalTune(t, s, "tune-2", "Second", now)
	if err := eng.ForceSyncUp(ctx); err != nil {
		t.Fatalf("ForceSyncUp failed: %v", err)
	}

	// Then: the watcher sees the latest version, not a stale intermediate
	select {
	case v := <-ch:
		if v != eng.SyncVersion() {
			t.Errorf("expected latest version %d, got %d", eng.SyncVersion(), v)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a version notification")
	}
}

func TestCheckConnectivity_TransitionTriggersSync(t *testing.T) {
	remote := &fakeRemote{pushFn: acceptAll(), pingErr: errors.New("down")}
	s, eng := newTestEngine(t, remote)
	ctx := context.Background()
	now := time.Now().UTC()

	createLocalTune(t, s, "tune-1", "Offline Edit", now)

	// Given: the remote is unreachable
	eng.checkConnectivity(ctx)
	if eng.Online() {
		t.Fatal("expected offline")
	}
	if len(remote.pushes) != 0 {
		t.Fatalf("expected no pushes while offline, got %d", len(remote.pushes))
	}

	// When: the remote becomes reachable
	remote.mu.Lock()
	remote.pingErr = nil
	remote.mu.Unlock()
	eng.checkConnectivity(ctx)

	// Then: the transition drains the queue immediately
	if !eng.Online() {
		t.Fatal("expected online")
	}
	pending, _ := eng.PendingCount(ctx)
	if pending != 0 {
		t.Errorf("expected queue drained on reconnect, got %d pending", pending)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	remote := &fakeRemote{pushFn: acceptAll()}
	_, eng := newTestEngine(t, remote)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on context cancellation")
	}
}
