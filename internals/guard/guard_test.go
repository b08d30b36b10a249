package guard

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Oudwins/storyd/internals/faults"
	"github.com/Oudwins/storyd/internals/resources"
	"github.com/Oudwins/storyd/internals/taskstore"
	"github.com/Oudwins/storyd/internals/taskstore/backends/memory"
	"github.com/Oudwins/storyd/internals/taskstore/backends/sqlite"
	"github.com/Oudwins/storyd/internals/testutil"
	"github.com/Oudwins/storyd/internals/workflow"
)

type fixture struct {
	store    *taskstore.Store
	resolver *resources.Resolver
	guard    *Guard
}

func newFixture(t *testing.T, store *taskstore.Store) *fixture {
	t.Helper()
	resolver, err := resources.New(testutil.TempGeneratedRoot(t), store, testutil.DiscardLogger())
	require.NoError(t, err)
	return &fixture{
		store:    store,
		resolver: resolver,
		guard:    New(store, resolver, testutil.DiscardLogger()),
	}
}

func newMemoryFixture(t *testing.T) *fixture {
	return newFixture(t, taskstore.New(memory.New()))
}

// seed creates a task and forces it into the given state.
func (f *fixture) seed(t require.TestingT, id string, current int, status taskstore.Status) taskstore.Task {
	ctx := context.Background()
	_, err := f.store.Create(ctx, taskstore.Task{ID: id, Owner: "owner-1", Workflow: workflow.ShapeStory, Params: taskstore.Params{Topic: "t"}})
	require.NoError(t, err)
	task, err := f.store.Update(ctx, id, func(task *taskstore.Task) error {
		task.CurrentSegment = current
		task.Status = status
		return nil
	})
	require.NoError(t, err)
	return task
}

// writeArtifacts produces the files of every segment up to current.
func (f *fixture) writeArtifacts(t *testing.T, id string) {
	dir := filepath.Join(f.resolver.Root(), id)
	testutil.WriteFile(t, filepath.Join(dir, resources.ScriptFile), "{}")
	testutil.WriteFile(t, filepath.Join(dir, resources.ImageDir, "p1.png"), "png")
	testutil.WriteFile(t, filepath.Join(dir, resources.SpeechDir, "s1.wav"), "wav")
	testutil.WriteFile(t, filepath.Join(dir, resources.OutputFile), "mp4")
}

var notRunning = []taskstore.Status{taskstore.StatusPending, taskstore.StatusFailed, taskstore.StatusCompleted}

func TestAdmitForwardOnlyProperty(t *testing.T) {
	f := newMemoryFixture(t)
	var seq atomic.Int64

	rapid.Check(t, func(rt *rapid.T) {
		k := rapid.IntRange(0, 4).Draw(rt, "current")
		status := rapid.SampledFrom(notRunning).Draw(rt, "status")
		ctx := context.Background()

		skip := f.seed(rt, fmt.Sprintf("skip-%d", seq.Add(1)), k, status)
		_, err := f.guard.Admit(ctx, Request{TaskID: skip.ID, Segment: k + 2})
		if !errors.Is(err, faults.ErrOutOfOrder) {
			rt.Fatalf("admit(k+2) expected out of order, got %v", err)
		}

		early := f.seed(rt, fmt.Sprintf("early-%d", seq.Add(1)), k, status)
		_, err = f.guard.Admit(ctx, Request{TaskID: early.ID, Segment: k + 1, Redo: true})
		if !errors.Is(err, faults.ErrOutOfOrder) {
			rt.Fatalf("admit(k+1, redo) expected out of order, got %v", err)
		}

		next := f.seed(rt, fmt.Sprintf("next-%d", seq.Add(1)), k, status)
		admission, err := f.guard.Admit(ctx, Request{TaskID: next.ID, Segment: k + 1})
		if err != nil {
			rt.Fatalf("admit(k+1) expected success, got %v", err)
		}
		if admission.Task.Status != taskstore.StatusRunning || admission.Task.CurrentSegment != k {
			rt.Fatalf("unexpected admitted task %+v", admission.Task)
		}
		if admission.PreviousStatus != status {
			rt.Fatalf("expected previous status %s, got %s", status, admission.PreviousStatus)
		}
	})
}

func TestAdmitRedoRangeProperty(t *testing.T) {
	f := newMemoryFixture(t)
	var seq atomic.Int64

	rapid.Check(t, func(rt *rapid.T) {
		k := rapid.IntRange(1, 5).Draw(rt, "current")
		j := rapid.IntRange(1, k).Draw(rt, "redo")
		status := taskstore.StatusPending
		if k == 5 {
			status = taskstore.StatusCompleted
		}
		task := f.seed(rt, fmt.Sprintf("redo-%d", seq.Add(1)), k, status)
		f.writeArtifacts(t, task.ID)

		admission, err := f.guard.Admit(context.Background(), Request{TaskID: task.ID, Segment: j, Redo: true})
		if err != nil {
			rt.Fatalf("redo(%d) with current %d: %v", j, k, err)
		}
		if admission.Task.CurrentSegment != j-1 {
			rt.Fatalf("expected current segment %d, got %d", j-1, admission.Task.CurrentSegment)
		}
		if admission.Task.Status != taskstore.StatusRunning {
			rt.Fatalf("expected running, got %s", admission.Task.Status)
		}

		for segment := j; segment <= 5; segment++ {
			listed, err := f.resolver.List(admission.Task, segment)
			if err != nil {
				rt.Fatalf("List: %v", err)
			}
			if len(listed) != 0 {
				rt.Fatalf("segment %d still lists %v after redo from %d", segment, listed, j)
			}
		}

		// Files exclusively produced by purged segments are gone from disk too.
		probe := admission.Task
		probe.CurrentSegment = 5
		shape := workflow.Default()
		for segment := j; segment <= 5; segment++ {
			def, _ := shape.Segment(segment)
			if sharedWithEarlier(shape, def, j) {
				continue
			}
			listed, err := f.resolver.List(probe, segment)
			if err != nil {
				rt.Fatalf("List: %v", err)
			}
			if len(listed) != 0 {
				rt.Fatalf("segment %d files survived redo from %d: %v", segment, j, listed)
			}
		}
	})
}

func sharedWithEarlier(shape workflow.Shape, def workflow.SegmentDefinition, from int) bool {
	for _, other := range shape.Segments {
		if other.Ordinal < from && other.Artifact == def.Artifact {
			return true
		}
	}
	return false
}

func TestAdmitRejectsRunningWithConflict(t *testing.T) {
	f := newMemoryFixture(t)
	f.seed(t, "task1", 1, taskstore.StatusRunning)

	_, err := f.guard.Admit(context.Background(), Request{TaskID: "task1", Segment: 2})
	assert.ErrorIs(t, err, faults.ErrConflict)

	_, err = f.guard.Admit(context.Background(), Request{TaskID: "task1", Segment: 1, Redo: true})
	assert.ErrorIs(t, err, faults.ErrConflict)
}

func TestAdmitNotFound(t *testing.T) {
	f := newMemoryFixture(t)
	f.seed(t, "task1", 0, taskstore.StatusPending)
	f.seed(t, "gone", 0, taskstore.StatusPending)
	require.NoError(t, f.store.MarkDeleted(context.Background(), "gone"))

	_, err := f.guard.Admit(context.Background(), Request{TaskID: "missing", Segment: 1})
	assert.ErrorIs(t, err, faults.ErrNotFound)

	_, err = f.guard.Admit(context.Background(), Request{TaskID: "gone", Segment: 1})
	assert.ErrorIs(t, err, faults.ErrNotFound)

	_, err = f.guard.Admit(context.Background(), Request{TaskID: "task1", Owner: "intruder", Segment: 1})
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestAdmitCompletedWorkflowHasNoNextSegment(t *testing.T) {
	f := newMemoryFixture(t)
	f.seed(t, "task1", 5, taskstore.StatusCompleted)

	_, err := f.guard.Admit(context.Background(), Request{TaskID: "task1", Segment: 6})
	assert.ErrorIs(t, err, faults.ErrOutOfOrder)
}

func TestAdmitRedoOnCompletedTask(t *testing.T) {
	f := newMemoryFixture(t)
	f.seed(t, "task1", 5, taskstore.StatusCompleted)
	f.writeArtifacts(t, "task1")

	admission, err := f.guard.Admit(context.Background(), Request{TaskID: "task1", Segment: 3, Redo: true})
	require.NoError(t, err)
	assert.Equal(t, 2, admission.Task.CurrentSegment)
	assert.Equal(t, taskstore.StatusRunning, admission.Task.Status)
	assert.Equal(t, taskstore.StatusCompleted, admission.PreviousStatus)

	dir := filepath.Join(f.resolver.Root(), "task1")
	assert.True(t, testutil.Exists(t, filepath.Join(dir, resources.ScriptFile)))
	assert.True(t, testutil.Exists(t, filepath.Join(dir, resources.ImageDir, "p1.png")))
	assert.False(t, testutil.Exists(t, filepath.Join(dir, resources.SpeechDir, "s1.wav")))
	assert.False(t, testutil.Exists(t, filepath.Join(dir, resources.OutputFile)))
}

func TestAdmitIsMutuallyExclusive(t *testing.T) {
	stores := map[string]func(t *testing.T) *taskstore.Store{
		"memory": func(t *testing.T) *taskstore.Store { return taskstore.New(memory.New()) },
		"sqlite": func(t *testing.T) *taskstore.Store {
			backend, err := sqlite.New(context.Background(), sqlite.Config{Path: testutil.TempDBPath(t), Logger: testutil.DiscardLogger()})
			require.NoError(t, err)
			t.Cleanup(func() { _ = backend.Close() })
			return taskstore.New(backend)
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t))
			f.seed(t, "task1", 0, taskstore.StatusPending)

			const callers = 10
			var admitted, conflicts atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := f.guard.Admit(context.Background(), Request{TaskID: "task1", Segment: 1})
					switch {
					case err == nil:
						admitted.Add(1)
					case errors.Is(err, faults.ErrConflict):
						conflicts.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int32(1), admitted.Load())
			assert.Equal(t, int32(callers-1), conflicts.Load())
		})
	}
}

type failingPurger struct{}

func (failingPurger) Purge(task taskstore.Task, fromSegment int) error {
	return errors.New("read-only file system")
}

func TestAdmitRedoPurgeFailureMarksTaskFailed(t *testing.T) {
	store := taskstore.New(memory.New())
	f := newFixture(t, store)
	f.guard = New(store, failingPurger{}, testutil.DiscardLogger())
	f.seed(t, "task1", 3, taskstore.StatusPending)

	_, err := f.guard.Admit(context.Background(), Request{TaskID: "task1", Segment: 2, Redo: true})
	require.Error(t, err)

	task, err := store.Get(context.Background(), "task1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusFailed, task.Status)
	assert.Equal(t, 1, task.CurrentSegment)
	assert.Contains(t, task.LastError, "read-only file system")
}

func TestReleaseRestoresPreviousStatus(t *testing.T) {
	f := newMemoryFixture(t)
	f.seed(t, "task1", 1, taskstore.StatusFailed)

	admission, err := f.guard.Admit(context.Background(), Request{TaskID: "task1", Segment: 2})
	require.NoError(t, err)
	require.NoError(t, f.guard.Release(context.Background(), admission, "queue unavailable"))

	task, err := f.store.Get(context.Background(), "task1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusFailed, task.Status)
	assert.Equal(t, 1, task.CurrentSegment)
	assert.Equal(t, "queue unavailable", task.LastError)

	// A stale admission cannot be released twice.
	assert.ErrorIs(t, f.guard.Release(context.Background(), admission, "again"), faults.ErrConflict)
}

func TestReleaseAfterRedoFallsBackToPending(t *testing.T) {
	f := newMemoryFixture(t)
	f.seed(t, "task1", 5, taskstore.StatusCompleted)

	admission, err := f.guard.Admit(context.Background(), Request{TaskID: "task1", Segment: 4, Redo: true})
	require.NoError(t, err)
	require.NoError(t, f.guard.Release(context.Background(), admission, "queue unavailable"))

	task, err := f.store.Get(context.Background(), "task1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusPending, task.Status)
	assert.Equal(t, 3, task.CurrentSegment)
}
