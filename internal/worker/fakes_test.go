package worker

import (
	"context"
	"sync"
	"time"

	"medialib-jobs/internal/models"
)

// fakeJobStore is an in-memory JobStore recording every call the
// processor and checkpoints make.
type fakeJobStore struct {
	mu    sync.Mutex
	queue []models.Job

	heartbeats []heartbeatCall
	cancelled  map[int64]bool

	doneIDs      []int64
	doneResults  map[int64]map[string]any
	errorIDs     []int64
	errorCodes   map[int64]string
	cancelledIDs []int64
	retries      []retryCall

	swept int64
	reset int64
}

type heartbeatCall struct {
	id       int64
	num, den int
	stage    string
}

type retryCall struct {
	id        int64
	attempts  int
	notBefore time.Time
	code      string
}

func newFakeJobStore(jobs ...models.Job) *fakeJobStore {
	return &fakeJobStore{
		queue:       jobs,
		cancelled:   make(map[int64]bool),
		doneResults: make(map[int64]map[string]any),
		errorCodes:  make(map[int64]string),
	}
}

func (f *fakeJobStore) ClaimNext(_ context.Context, _, owner string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	job := f.queue[0]
	f.queue = f.queue[1:]
	job.Status = models.StatusRunning
	job.WorkerOwner = &owner
	return &job, nil
}

func (f *fakeJobStore) Heartbeat(_ context.Context, id int64, _ string, num, den int, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, heartbeatCall{id: id, num: num, den: den, stage: stage})
	return nil
}

func (f *fakeJobStore) CancelRequested(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[id], nil
}

func (f *fakeJobStore) FinalizeDone(_ context.Context, id int64, _ string, result map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doneIDs = append(f.doneIDs, id)
	f.doneResults[id] = result
	return nil
}

func (f *fakeJobStore) FinalizeError(_ context.Context, id int64, _, _ string, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorIDs = append(f.errorIDs, id)
	f.errorCodes[id] = code
	return nil
}

func (f *fakeJobStore) FinalizeCancelled(_ context.Context, id int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledIDs = append(f.cancelledIDs, id)
	return nil
}

func (f *fakeJobStore) RetryLater(_ context.Context, id int64, _ string, attempts int, notBefore time.Time, _, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, retryCall{id: id, attempts: attempts, notBefore: notBefore, code: code})
	return nil
}

func (f *fakeJobStore) SweepCancelRequested(_ context.Context, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept++
	return 0, nil
}

func (f *fakeJobStore) ResetStaleRunning(_ context.Context, _ string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset++
	return 0, nil
}

func (f *fakeJobStore) CountsByStatus(_ context.Context, _ string) (map[string]int, map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]int{models.StatusQueued: len(f.queue)}, map[string]int{}, nil
}

// fakeLeaser counts renewals.
type fakeLeaser struct {
	mu     sync.Mutex
	renews int
	err    error
}

func (f *fakeLeaser) Renew(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews++
	return f.err
}

// fakeCatalog records derived-data writes.
type fakeCatalog struct {
	mu       sync.Mutex
	items    map[string]models.MediaItem
	nextID   int64
	tags     map[int64][]string
	captions map[int64]string
	artwork  map[int64]string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		items:    make(map[string]models.MediaItem),
		tags:     make(map[int64][]string),
		captions: make(map[int64]string),
		artwork:  make(map[int64]string),
	}
}

func (f *fakeCatalog) UpsertMediaItem(_ context.Context, path, kind string) (models.MediaItem, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.items[path]; ok {
		item.Kind = kind
		f.items[path] = item
		return item, false, nil
	}
	f.nextID++
	item := models.MediaItem{ID: f.nextID, Path: path, Kind: kind}
	f.items[path] = item
	return item, true, nil
}

func (f *fakeCatalog) SetTags(_ context.Context, id int64, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[id] = tags
	return nil
}

func (f *fakeCatalog) SetCaption(_ context.Context, id int64, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captions[id] = caption
	return nil
}

func (f *fakeCatalog) SetArtworkKey(_ context.Context, id int64, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artwork[id] = key
	return nil
}
