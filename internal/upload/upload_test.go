package upload

import (
	"context"
	"errors"
	"io/fs"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bianoble/hubdeploy/internal/hub"
	"github.com/bianoble/hubdeploy/internal/metrics"
)

type flag struct {
	stopped atomic.Bool
	mu      sync.Mutex
	msg     string
}

func (f *flag) Stopped() bool { return f.stopped.Load() }

func (f *flag) Stop(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msg == "" {
		f.msg = msg
	}
	f.stopped.Store(true)
}

type fakeRemote struct {
	beginErr error
	fail     map[string]error
	onUpload func(f hub.FileUpload)

	mu       sync.Mutex
	uploads  []hub.FileUpload
	ends     []bool
	endCalls atomic.Int32
}

func (f *fakeRemote) Begin(_ context.Context, r hub.BeginRequest) (string, error) {
	if f.beginErr != nil {
		return "", f.beginErr
	}
	return "s-1", nil
}

func (f *fakeRemote) UploadFile(_ context.Context, u hub.FileUpload) error {
	f.mu.Lock()
	f.uploads = append(f.uploads, u)
	f.mu.Unlock()
	if f.onUpload != nil {
		f.onUpload(u)
	}
	return f.fail[u.RelPath]
}

func (f *fakeRemote) End(_ context.Context, session string, success bool) error {
	f.endCalls.Add(1)
	f.mu.Lock()
	f.ends = append(f.ends, success)
	f.mu.Unlock()
	return nil
}

func makeItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		rel := "f" + strconv.Itoa(i) + ".js"
		items[i] = Item{Transport: "/cache/" + rel + ".gz", Source: "/src/" + rel, RelPath: rel, Size: int64(i + 1), Hash: "h", MD5: "m"}
	}
	return items
}

func drain(ch <-chan Result) (ok []Item, voids int) {
	for r := range ch {
		if r.Void {
			voids++
			continue
		}
		ok = append(ok, r.Item)
	}
	return ok, voids
}

func TestTransferAll(t *testing.T) {
	remote := &fakeRemote{}
	m := metrics.New(nil)
	s := New(remote, Options{Workers: 4, Metrics: m})
	require.NoError(t, s.Begin(context.Background(), hub.BeginRequest{}))
	assert.Equal(t, Transferring, s.State())
	assert.Equal(t, "s-1", s.ID())

	stop := &flag{}
	ok, voids := drain(s.Transfer(context.Background(), makeItems(9), stop))
	assert.Len(t, ok, 9)
	assert.Zero(t, voids)
	assert.False(t, stop.Stopped())

	for _, u := range remote.uploads {
		assert.Equal(t, "s-1", u.Session)
		assert.True(t, u.Gzip)
	}
	assert.Equal(t, 9.0, testutil.ToFloat64(m.Uploads.WithLabelValues("ok")))

	require.NoError(t, s.Finish(context.Background(), true))
	require.NoError(t, s.Finish(context.Background(), false))
	assert.Equal(t, []bool{true}, remote.ends)
	assert.Equal(t, Committed, s.State())
}

func TestGzipOnlyForArtifacts(t *testing.T) {
	remote := &fakeRemote{}
	s := New(remote, Options{Workers: 1})
	require.NoError(t, s.Begin(context.Background(), hub.BeginRequest{}))

	items := []Item{{Transport: "/src/a.png", Source: "/src/a.png", RelPath: "a.png", Size: 3}}
	drain(s.Transfer(context.Background(), items, &flag{}))
	require.Len(t, remote.uploads, 1)
	assert.False(t, remote.uploads[0].Gzip)
}

func TestFailureStopsWorkers(t *testing.T) {
	remote := &fakeRemote{fail: map[string]error{"f0.js": &hub.UploadError{Status: 400, Corrupt: true}}}
	s := New(remote, Options{Workers: 1})
	require.NoError(t, s.Begin(context.Background(), hub.BeginRequest{}))

	stop := &flag{}
	ok, voids := drain(s.Transfer(context.Background(), makeItems(5), stop))
	assert.Empty(t, ok)
	assert.Equal(t, 1, voids)
	assert.Equal(t, `File "f0.js" corrupted on transit.`, stop.msg)
	assert.Len(t, remote.uploads, 1)
}

func TestCancelBoundsUploads(t *testing.T) {
	stop := &flag{}
	remote := &fakeRemote{}
	remote.onUpload = func(hub.FileUpload) { stop.Stop("Canceled.") }
	workers := 4
	s := New(remote, Options{Workers: workers})
	require.NoError(t, s.Begin(context.Background(), hub.BeginRequest{}))

	drain(s.Transfer(context.Background(), makeItems(40), stop))
	assert.LessOrEqual(t, len(remote.uploads), workers)
}

func TestUploadErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&fs.PathError{Op: "open", Path: "/cache/f0.js.gz", Err: fs.ErrNotExist}, `Error opening file "/cache/f0.js.gz".`},
		{&hub.UploadError{Status: 400, Msg: "Quota exceeded."}, "Error when uploading file \"f0.js\".\nQuota exceeded."},
		{&hub.UploadError{Status: 500, Reason: "Internal Server Error"}, `Error when uploading file "f0.js": "Internal Server Error"`},
		{&hub.ProtocolError{Op: "upload/file", Reason: "bad content type"}, `Hub error uploading file "f0.js".`},
		{hub.ErrRejected, `Error uploading file "f0.js".`},
		{errors.New("connection reset"), `Error uploading file "f0.js": "connection reset".`},
	}
	for _, tt := range tests {
		remote := &fakeRemote{fail: map[string]error{"f0.js": tt.err}}
		s := New(remote, Options{Workers: 1})
		require.NoError(t, s.Begin(context.Background(), hub.BeginRequest{}))
		stop := &flag{}
		drain(s.Transfer(context.Background(), makeItems(1), stop))
		assert.Equal(t, tt.want, stop.msg)
	}
}

func TestBeginErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{hub.ErrTimedOut, "Hub timed out."},
		{&fs.PathError{Op: "open", Path: "/cache/demo.json.gz", Err: fs.ErrNotExist}, `Error opening file "/cache/demo.json.gz".`},
		{&hub.StatusError{Op: "upload/begin", Status: 403, Msg: "Project locked."}, "Project locked."},
		{&hub.StatusError{Op: "upload/begin", Status: 500, Reason: "Internal Server Error"}, `Error starting upload: "Internal Server Error".`},
		{&hub.ProtocolError{Op: "upload/begin", Reason: "Unsupported response format from Hub."}, "Unsupported response format from Hub."},
	}
	for _, tt := range tests {
		s := New(&fakeRemote{beginErr: tt.err}, Options{})
		err := s.Begin(context.Background(), hub.BeginRequest{MetadataPath: "/cache/demo.json.gz"})
		require.Error(t, err)
		assert.Equal(t, tt.want, err.Error())
		assert.Equal(t, NotStarted, s.State())
	}
}

func TestFinishBeforeBeginIsNoop(t *testing.T) {
	remote := &fakeRemote{}
	s := New(remote, Options{})
	require.NoError(t, s.Finish(context.Background(), false))
	assert.Zero(t, remote.endCalls.Load())
}

func TestFinishOnceUnderConcurrency(t *testing.T) {
	remote := &fakeRemote{}
	s := New(remote, Options{})
	require.NoError(t, s.Begin(context.Background(), hub.BeginRequest{}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Finish(context.Background(), i%2 == 0)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), remote.endCalls.Load())
}
