package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/italolelis/urlrelay/internal/destination"
	"github.com/italolelis/urlrelay/internal/engine"
	"github.com/italolelis/urlrelay/internal/storage"
)

type cancelCall struct {
	handle      string
	deleteFiles bool
}

// fakeEngine writes payload into the requested path on Submit and answers polls
// through PollFunc (complete by default).
type fakeEngine struct {
	payload    []byte
	SubmitFunc func(ctx context.Context, url, dir, out string) (string, error)
	PollFunc   func(ctx context.Context, handle string) (engine.Snapshot, error)

	mu      sync.Mutex
	polls   int
	cancels []cancelCall
}

func (f *fakeEngine) Submit(ctx context.Context, url, dir, out string) (string, error) {
	if f.SubmitFunc != nil {
		return f.SubmitFunc(ctx, url, dir, out)
	}

	if err := os.WriteFile(filepath.Join(dir, out), f.payload, 0o644); err != nil {
		return "", err
	}

	return "gid-1", nil
}

func (f *fakeEngine) Poll(ctx context.Context, handle string) (engine.Snapshot, error) {
	f.mu.Lock()
	f.polls++
	f.mu.Unlock()

	if f.PollFunc != nil {
		return f.PollFunc(ctx, handle)
	}

	size := int64(len(f.payload))

	return engine.Snapshot{Status: engine.StatusComplete, Total: size, Completed: size}, nil
}

func (f *fakeEngine) Cancel(_ context.Context, handle string, deleteFiles bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancels = append(f.cancels, cancelCall{handle, deleteFiles})

	return nil
}

func (f *fakeEngine) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.polls
}

func (f *fakeEngine) deletedFiles() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, c := range f.cancels {
		if c.deleteFiles {
			return true
		}
	}

	return false
}

// recordingDestination remembers upload order in front of a memblob bucket.
type recordingDestination struct {
	destination.Destination

	mu    sync.Mutex
	names []string
}

func (d *recordingDestination) Upload(ctx context.Context, obj destination.Object, r io.Reader) error {
	d.mu.Lock()
	d.names = append(d.names, obj.Name)
	d.mu.Unlock()

	return d.Destination.Upload(ctx, obj, r)
}

func (d *recordingDestination) uploaded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.names...)
}

// blockingDestination reads a little, signals, then blocks until ctx is done.
type blockingDestination struct {
	started chan string

	mu    sync.Mutex
	calls int
}

func (d *blockingDestination) Upload(ctx context.Context, obj destination.Object, r io.Reader) error {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	buf := make([]byte, 1)
	if _, err := r.Read(buf); err != nil {
		return err
	}

	d.started <- obj.Name

	<-ctx.Done()

	return ctx.Err()
}

func (d *blockingDestination) Close() error { return nil }

func (d *blockingDestination) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls
}

type fakeHistory struct {
	mu       sync.Mutex
	created  []storage.JobRecord
	finished map[string][]string
}

func (h *fakeHistory) CreateJob(_ context.Context, rec storage.JobRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.created = append(h.created, rec)

	return nil
}

func (h *fakeHistory) FinishJob(_ context.Context, jobID, status, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished == nil {
		h.finished = make(map[string][]string)
	}

	h.finished[jobID] = append(h.finished[jobID], status)

	return nil
}

func (h *fakeHistory) outcomes(jobID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.finished[jobID]...)
}

type fixture struct {
	relay   *Relay
	engine  *fakeEngine
	bucket  *blob.Bucket
	dest    *recordingDestination
	history *fakeHistory
	dir     string
}

func newFixture(t *testing.T, eng *fakeEngine, autoExtract bool) *fixture {
	t.Helper()

	dir := t.TempDir()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })

	dest := &recordingDestination{Destination: destination.NewBucket(bucket)}
	history := &fakeHistory{}

	r := New(context.Background(), Config{
		DownloadDir:            dir,
		PollInterval:           5 * time.Millisecond,
		UploadProgressInterval: time.Millisecond,
		AutoExtract:            autoExtract,
	}, Deps{
		Engine:      eng,
		Destination: dest,
		History:     history,
	})

	return &fixture{relay: r, engine: eng, bucket: bucket, dest: dest, history: history, dir: dir}
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool { return f.relay.Registry().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.relay.Shutdown(context.Background()))
}

func (f *fixture) statusText(t *testing.T, jobID string) string {
	t.Helper()

	e, ok := f.relay.Board().Get(jobID)
	require.True(t, ok)

	return e.Text
}

func (f *fixture) assertDirEmpty(t *testing.T) {
	t.Helper()

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)

		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func TestSubmit_MissingURL(t *testing.T) {
	f := newFixture(t, &fakeEngine{}, false)

	_, err := f.relay.Submit(context.Background(), Request{URL: "   "})
	require.ErrorIs(t, err, ErrMissingURL)
	assert.Zero(t, f.relay.Registry().Len())
}

func TestSubmit_DirectUpload(t *testing.T) {
	f := newFixture(t, &fakeEngine{payload: []byte("movie bytes")}, false)

	h, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/videos/movie.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "movie.mp4", h.FileName)
	assert.NotEmpty(t, h.JobID)

	f.waitIdle(t)

	data, err := f.bucket.ReadAll(context.Background(), "movie.mp4")
	require.NoError(t, err)
	assert.Equal(t, "movie bytes", string(data))

	attrs, err := f.bucket.Attributes(context.Background(), "movie.mp4")
	require.NoError(t, err)
	assert.Equal(t, "movie", attrs.Metadata["caption"])

	assert.Equal(t, []string{"movie.mp4"}, f.dest.uploaded())
	assert.Equal(t, "✅ Uploaded `movie.mp4`", f.statusText(t, h.JobID))
	assert.Equal(t, []string{storage.StatusCompleted}, f.history.outcomes(h.JobID))
	f.assertDirEmpty(t)
}

func TestSubmit_RenameHintIgnoredWhenURLHasName(t *testing.T) {
	f := newFixture(t, &fakeEngine{payload: []byte("x")}, false)

	h, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/a.mp4", Rename: "other.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "a.mp4", h.FileName)

	f.waitIdle(t)
}

func TestSubmit_TransientPollErrorsAreRetried(t *testing.T) {
	eng := &fakeEngine{payload: []byte("data")}

	var mu sync.Mutex

	failures := 3
	eng.PollFunc = func(context.Context, string) (engine.Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()

		if failures > 0 {
			failures--

			return engine.Snapshot{}, &engine.Error{Operation: "aria2.tellStatus", Message: "connection refused"}
		}

		return engine.Snapshot{Status: engine.StatusComplete, Total: 4, Completed: 4}, nil
	}

	f := newFixture(t, eng, false)

	h, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/file.bin"})
	require.NoError(t, err)

	f.waitIdle(t)

	assert.GreaterOrEqual(t, eng.pollCount(), 4)
	assert.Equal(t, []string{storage.StatusCompleted}, f.history.outcomes(h.JobID))
}

func TestSubmit_ArchiveUploadsMembersSequentially(t *testing.T) {
	payload := zipBytes(t, map[string]string{
		"a file.mkv":               "first",
		"sub/www.site.com - b.mp4": "second",
	})

	f := newFixture(t, &fakeEngine{payload: payload}, false)

	h, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/pack.zip", Extract: true})
	require.NoError(t, err)

	f.waitIdle(t)

	assert.Equal(t, []string{"a file.mkv", "b.mp4"}, f.dest.uploaded())

	data, err := f.bucket.ReadAll(context.Background(), "b.mp4")
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	assert.Equal(t, msgArchiveDone, f.statusText(t, h.JobID))
	assert.Equal(t, []string{storage.StatusCompleted}, f.history.outcomes(h.JobID))
	f.assertDirEmpty(t)
}

func TestSubmit_ArchiveMembersWithSameNameKeepDistinctObjects(t *testing.T) {
	payload := zipBytes(t, map[string]string{
		"s1/ep.mkv": "season one",
		"s2/ep.mkv": "season two",
	})

	f := newFixture(t, &fakeEngine{payload: payload}, false)

	h, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/pack.zip", Extract: true})
	require.NoError(t, err)

	f.waitIdle(t)

	names := f.dest.uploaded()
	require.Len(t, names, 2)
	assert.Equal(t, "ep.mkv", names[0])
	assert.NotEqual(t, names[0], names[1])
	assert.Regexp(t, `^ep-\d{5}\.mkv$`, names[1])

	first, err := f.bucket.ReadAll(context.Background(), names[0])
	require.NoError(t, err)
	assert.Equal(t, "season one", string(first))

	second, err := f.bucket.ReadAll(context.Background(), names[1])
	require.NoError(t, err)
	assert.Equal(t, "season two", string(second))

	assert.Equal(t, msgArchiveDone, f.statusText(t, h.JobID))
	f.assertDirEmpty(t)
}

func TestSubmit_AutoExtract(t *testing.T) {
	payload := zipBytes(t, map[string]string{"only.txt": "hello"})
	f := newFixture(t, &fakeEngine{payload: payload}, true)

	h, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/bundle.zip"})
	require.NoError(t, err)

	f.waitIdle(t)

	assert.Equal(t, []string{"only.txt"}, f.dest.uploaded())
	assert.Equal(t, msgArchiveDone, f.statusText(t, h.JobID))
}

func TestSubmit_ExtractOnInvalidArchive(t *testing.T) {
	f := newFixture(t, &fakeEngine{payload: []byte("definitely not a zip")}, false)

	h, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/pack.zip", Extract: true})
	require.NoError(t, err)

	f.waitIdle(t)

	assert.Empty(t, f.dest.uploaded())
	assert.Equal(t, "❌ `pack.zip` is not a valid zip file.", f.statusText(t, h.JobID))
	assert.Equal(t, []string{storage.StatusFailed}, f.history.outcomes(h.JobID))
	f.assertDirEmpty(t)
}

func TestSubmit_ArchiveEscapingScratchIsRejected(t *testing.T) {
	payload := zipBytes(t, map[string]string{"../../evil.sh": "boom"})
	f := newFixture(t, &fakeEngine{payload: payload}, false)

	h, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/pack.zip", Extract: true})
	require.NoError(t, err)

	f.waitIdle(t)

	assert.Empty(t, f.dest.uploaded())
	assert.Equal(t, "❌ `pack.zip` is not a valid zip file.", f.statusText(t, h.JobID))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(f.dir), "evil.sh"))
	f.assertDirEmpty(t)
}

func TestSubmit_EngineReportsFailure(t *testing.T) {
	eng := &fakeEngine{payload: []byte("partial")}
	eng.PollFunc = func(context.Context, string) (engine.Snapshot, error) {
		return engine.Snapshot{Status: engine.StatusError, ErrorMessage: "404 Not Found"}, nil
	}

	f := newFixture(t, eng, false)

	h, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/missing.iso"})
	require.NoError(t, err)

	f.waitIdle(t)

	assert.Contains(t, f.statusText(t, h.JobID), "404 Not Found")
	assert.True(t, eng.deletedFiles())
	assert.Equal(t, []string{storage.StatusFailed}, f.history.outcomes(h.JobID))
	f.assertDirEmpty(t)
}

func TestSubmit_EngineRejectsSubmission(t *testing.T) {
	eng := &fakeEngine{
		SubmitFunc: func(context.Context, string, string, string) (string, error) {
			return "", &engine.Error{Operation: "aria2.addUri", Code: 1, Message: "bad uri"}
		},
	}

	f := newFixture(t, eng, false)

	_, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/x.bin"})

	var engErr *engine.Error
	require.ErrorAs(t, err, &engErr)
	assert.Zero(t, f.relay.Registry().Len())
	assert.Zero(t, eng.pollCount())
}

func TestCancel_DuringDownload(t *testing.T) {
	eng := &fakeEngine{payload: []byte("partial")}
	eng.PollFunc = func(context.Context, string) (engine.Snapshot, error) {
		return engine.Snapshot{Status: engine.StatusActive, Total: 100, Completed: 7, Speed: 10}, nil
	}

	f := newFixture(t, eng, false)

	h, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/big.iso"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return eng.pollCount() > 0 }, time.Second, time.Millisecond)

	assert.Equal(t, OutcomeCancellationRequested, f.relay.Cancel(context.Background(), h.JobID))

	f.waitIdle(t)

	assert.True(t, eng.deletedFiles())
	assert.Empty(t, f.dest.uploaded())
	assert.Equal(t, msgDownloadCancelled, f.statusText(t, h.JobID))
	assert.Equal(t, []string{storage.StatusCancelled}, f.history.outcomes(h.JobID))
	assert.Equal(t, OutcomeNotFound, f.relay.Cancel(context.Background(), h.JobID))
	f.assertDirEmpty(t)
}

func TestCancel_WinsOverEngineFailureSeenInSamePoll(t *testing.T) {
	eng := &fakeEngine{payload: []byte("partial")}

	var (
		f     *fixture
		jobID = make(chan string, 1)
	)

	eng.PollFunc = func(context.Context, string) (engine.Snapshot, error) {
		id := <-jobID
		jobID <- id

		assert.Equal(t, OutcomeCancellationRequested, f.relay.Cancel(context.Background(), id))

		return engine.Snapshot{Status: engine.StatusRemoved, ErrorMessage: "removed"}, nil
	}

	f = newFixture(t, eng, false)

	h, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/big.iso"})
	require.NoError(t, err)
	jobID <- h.JobID

	f.waitIdle(t)

	assert.Equal(t, msgDownloadCancelled, f.statusText(t, h.JobID))
	assert.Equal(t, []string{storage.StatusCancelled}, f.history.outcomes(h.JobID))
	f.assertDirEmpty(t)
}

func TestCancel_UnknownJob(t *testing.T) {
	f := newFixture(t, &fakeEngine{}, false)

	assert.Equal(t, OutcomeNotFound, f.relay.Cancel(context.Background(), "nope"))
}

func TestCancel_DuringArchiveMemberUpload(t *testing.T) {
	payload := zipBytes(t, map[string]string{
		"1.mkv": "first member",
		"2.mkv": "second member",
	})

	eng := &fakeEngine{payload: payload}
	dir := t.TempDir()
	dest := &blockingDestination{started: make(chan string, 1)}
	history := &fakeHistory{}

	r := New(context.Background(), Config{
		DownloadDir:            dir,
		PollInterval:           5 * time.Millisecond,
		UploadProgressInterval: time.Millisecond,
	}, Deps{Engine: eng, Destination: dest, History: history})

	h, err := r.Submit(context.Background(), Request{URL: "http://example.invalid/pack.zip", Extract: true})
	require.NoError(t, err)

	select {
	case name := <-dest.started:
		assert.Equal(t, "1.mkv", name)
	case <-time.After(2 * time.Second):
		t.Fatal("upload never started")
	}

	assert.Equal(t, OutcomeCancellationRequested, r.Cancel(context.Background(), h.JobID))

	require.Eventually(t, func() bool { return r.Registry().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Shutdown(context.Background()))

	assert.Equal(t, 1, dest.callCount())
	assert.Equal(t, []string{storage.StatusCancelled}, history.outcomes(h.JobID))

	e, ok := r.Board().Get(h.JobID)
	require.True(t, ok)
	assert.Equal(t, msgJobCancelled, e.Text)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCancel_DuringDirectUpload(t *testing.T) {
	eng := &fakeEngine{payload: []byte("movie bytes")}
	dir := t.TempDir()
	dest := &blockingDestination{started: make(chan string, 1)}

	r := New(context.Background(), Config{
		DownloadDir:            dir,
		PollInterval:           5 * time.Millisecond,
		UploadProgressInterval: time.Millisecond,
	}, Deps{Engine: eng, Destination: dest})

	h, err := r.Submit(context.Background(), Request{URL: "http://example.invalid/movie.mp4"})
	require.NoError(t, err)

	<-dest.started
	r.Cancel(context.Background(), h.JobID)

	require.Eventually(t, func() bool { return r.Registry().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Shutdown(context.Background()))

	e, ok := r.Board().Get(h.JobID)
	require.True(t, ok)
	assert.Equal(t, "❌ Upload cancelled: `movie`", e.Text)

	assert.NoFileExists(t, filepath.Join(dir, "movie.mp4"))
}

func TestShutdown_CancelsLiveJobs(t *testing.T) {
	eng := &fakeEngine{payload: []byte("partial")}
	eng.PollFunc = func(context.Context, string) (engine.Snapshot, error) {
		return engine.Snapshot{Status: engine.StatusWaiting}, nil
	}

	f := newFixture(t, eng, false)

	h, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/queued.iso"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return eng.pollCount() > 0 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, f.relay.Shutdown(ctx))

	assert.Zero(t, f.relay.Registry().Len())
	assert.Equal(t, msgShuttingDown, f.statusText(t, h.JobID))
	assert.Equal(t, []string{storage.StatusCancelled}, f.history.outcomes(h.JobID))
	f.assertDirEmpty(t)
}

func TestSubmit_RefusedAfterShutdown(t *testing.T) {
	eng := &fakeEngine{
		SubmitFunc: func(context.Context, string, string, string) (string, error) {
			t.Error("engine must not be contacted after shutdown")

			return "", nil
		},
	}

	f := newFixture(t, eng, false)
	require.NoError(t, f.relay.Shutdown(context.Background()))

	_, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/late.bin"})
	require.ErrorIs(t, err, ErrShuttingDown)
	assert.Zero(t, f.relay.Registry().Len())
}

func TestShutdown_WaitsForJobStillBeingSubmitted(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	eng := &fakeEngine{payload: []byte("x")}
	eng.SubmitFunc = func(_ context.Context, _, dir, out string) (string, error) {
		close(entered)
		<-release

		return "gid-1", os.WriteFile(filepath.Join(dir, out), eng.payload, 0o644)
	}
	eng.PollFunc = func(context.Context, string) (engine.Snapshot, error) {
		return engine.Snapshot{Status: engine.StatusWaiting}, nil
	}

	f := newFixture(t, eng, false)

	submitted := make(chan Handle, 1)

	go func() {
		h, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/slow.iso"})
		assert.NoError(t, err)
		submitted <- h
	}()

	<-entered

	stopped := make(chan error, 1)

	go func() { stopped <- f.relay.Shutdown(context.Background()) }()

	assert.Never(t, func() bool { return len(stopped) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}

	h := <-submitted

	assert.Zero(t, f.relay.Registry().Len())
	assert.Equal(t, msgShuttingDown, f.statusText(t, h.JobID))
	assert.Equal(t, []string{storage.StatusCancelled}, f.history.outcomes(h.JobID))
}

func TestSubmit_ConcurrentJobsGetDistinctPaths(t *testing.T) {
	eng := &fakeEngine{payload: []byte("x")}
	eng.PollFunc = func(context.Context, string) (engine.Snapshot, error) {
		return engine.Snapshot{Status: engine.StatusActive}, nil
	}

	f := newFixture(t, eng, false)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		names = map[string]bool{}
	)

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			h, err := f.relay.Submit(context.Background(), Request{URL: "http://example.invalid/same.mp4"})
			assert.NoError(t, err)

			mu.Lock()
			names[h.FileName] = true
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Len(t, names, 5)
	require.NoError(t, f.relay.Shutdown(context.Background()))
}

func TestErrors(t *testing.T) {
	inner := errors.New("permission denied")

	fsErr := &FilesystemError{Op: "remove", Path: "/tmp/x", Err: inner}
	assert.ErrorIs(t, fsErr, inner)
	assert.Equal(t, "failed to remove /tmp/x: permission denied", fsErr.Error())

	aborted := &StreamAbortedError{Name: "a.mkv", Sent: 10, Err: context.Canceled}
	assert.True(t, isAborted(aborted))
	assert.ErrorIs(t, aborted, context.Canceled)
	assert.False(t, isAborted(inner))
}
