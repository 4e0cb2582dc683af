package hubdeploy

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bianoble/hubdeploy/internal/hubtest"
)

func newManager(t *testing.T, client *Client) *Manager {
	t.Helper()
	m := NewManager(context.Background(), client)
	t.Cleanup(m.Wait)
	return m
}

// gate blocks every upload until it is opened.
type gate struct {
	once    sync.Once
	release chan struct{}
	entered chan struct{}
}

func newGate(t *testing.T, h *hubtest.Hub) *gate {
	g := &gate{release: make(chan struct{}), entered: make(chan struct{}, 64)}
	h.OnUpload(func(hubtest.Upload) {
		g.entered <- struct{}{}
		<-g.release
	})
	t.Cleanup(g.open)
	return g
}

func (g *gate) open() {
	g.once.Do(func() { close(g.release) })
}

func finished(t *testing.T, m *Manager, project, version string) *Deployment {
	t.Helper()
	d, ok := m.Lookup(project, version)
	require.True(t, ok)
	<-d.Finished()
	return d
}

func TestManagerLifecycle(t *testing.T) {
	client, h, _ := setup(t, hubtest.Options{ProcessingSteps: 2}, map[string]string{
		"index.html": "<p>hello</p>",
		"js/app.js":  script,
	})
	m := newManager(t, client)
	g := newGate(t, h)

	env := m.Start(Target{})
	require.True(t, env.OK, env.Msg)
	assert.Equal(t, "local=demo&project=demo&version=1.0", env.Data)

	<-g.entered
	env = m.PostUploadProgress(context.Background(), "demo", "1.0")
	require.True(t, env.OK, env.Msg)
	assert.Equal(t, ProcessingProgress{Total: 1, Processed: 0}, env.Data)

	dup := m.Start(Target{})
	assert.False(t, dup.OK)
	assert.Equal(t, http.StatusConflict, dup.Status)

	g.open()
	finished(t, m, "demo", "1.0")

	env = m.Progress("demo", "1.0")
	require.True(t, env.OK, env.Msg)
	progress := env.Data.(UploadProgress)
	assert.Equal(t, int64(2), progress.NumFiles)
	assert.Equal(t, int64(2), progress.UploadedFiles)
	assert.Equal(t, progress.NumBytes, progress.UploadedBytes)

	env = m.PostUploadProgress(context.Background(), "demo", "1.0")
	require.True(t, env.OK, env.Msg)
	assert.Equal(t, ProcessingProgress{Total: 100, Processed: 50, Msg: "step 1"}, env.Data)

	env = m.PostUploadProgress(context.Background(), "demo", "1.0")
	require.True(t, env.OK, env.Msg)
	assert.Equal(t, ProcessingProgress{Total: 100, Processed: 100, Msg: "step 2"}, env.Data)

	_, ok := m.Lookup("demo", "1.0")
	assert.False(t, ok, "completed deployments are forgotten")
	rec, err := client.Record()
	require.NoError(t, err)
	assert.Len(t, rec.Deployments, 1)

	env = m.Progress("demo", "1.0")
	assert.Equal(t, Envelope{Msg: "Unknown deploy session.", Status: http.StatusNotFound}, env)
}

func TestManagerCancel(t *testing.T) {
	client, h, _ := setup(t, hubtest.Options{}, map[string]string{"a.js": script})
	m := newManager(t, client)
	g := newGate(t, h)

	require.True(t, m.Start(Target{}).OK)
	<-g.entered
	d, ok := m.Lookup("demo", "1.0")
	require.True(t, ok)

	env := m.Cancel("demo", "1.0")
	assert.True(t, env.OK)
	assert.Equal(t, "", env.Data)

	// The run is still unwinding behind the gate.
	_, ok = m.Lookup("demo", "1.0")
	assert.True(t, ok)
	env = m.Start(Target{})
	assert.Equal(t, http.StatusConflict, env.Status)

	g.open()
	<-d.Finished()
	m.Wait()
	_, ok = m.Lookup("demo", "1.0")
	assert.False(t, ok)
	assert.Equal(t, CanceledMsg, d.Err())
	assert.Equal(t, []string{"s-1"}, h.Cancels())
	assert.Empty(t, h.Ends())

	env = m.Cancel("demo", "1.0")
	assert.Equal(t, http.StatusNotFound, env.Status)
}

func TestManagerNothingToUpload(t *testing.T) {
	client, _, _ := setup(t, hubtest.Options{}, map[string]string{"empty.txt": ""})
	m := newManager(t, client)

	require.True(t, m.Start(Target{Version: "2.0"}).OK)
	finished(t, m, "demo", "2.0")

	env := m.Progress("demo", "2.0")
	require.True(t, env.OK, env.Msg)
	assert.Equal(t, UploadProgress{TotalFiles: 1, NumFiles: 1, NumBytes: 1, UploadedFiles: 1, UploadedBytes: 1}, env.Data)

	env = m.PostUploadProgress(context.Background(), "demo", "2.0")
	assert.Equal(t, Envelope{Msg: "No deploy session found.", Status: http.StatusNotFound}, env)
}

func TestManagerReportsRunError(t *testing.T) {
	client, _, _ := setup(t, hubtest.Options{BeginStatus: 504}, map[string]string{"a.js": script})
	m := newManager(t, client)

	require.True(t, m.Start(Target{}).OK)
	finished(t, m, "demo", "1.0")

	for _, env := range []Envelope{
		m.Progress("demo", "1.0"),
		m.PostUploadProgress(context.Background(), "demo", "1.0"),
	} {
		assert.Equal(t, Envelope{Msg: "Hub timed out.", Status: http.StatusBadRequest}, env)
	}
}

func TestManagerProcessingFailure(t *testing.T) {
	client, _, _ := setup(t, hubtest.Options{ProcessingError: "bad mapping table"}, map[string]string{"a.js": script})
	m := newManager(t, client)

	require.True(t, m.Start(Target{}).OK)
	finished(t, m, "demo", "1.0")

	env := m.PostUploadProgress(context.Background(), "demo", "1.0")
	assert.Equal(t, Envelope{Msg: "Post-upload processing failed: bad mapping table", Status: http.StatusInternalServerError}, env)
}

func TestManagerRejectsBadRequests(t *testing.T) {
	client, _, dir := setup(t, hubtest.Options{}, nil)
	m := newManager(t, client)

	assert.Equal(t, "Wrong project information.", m.Start(Target{Project: "bad project"}).Msg)
	assert.Equal(t, "Wrong project information.", m.Progress("", "1.0").Msg)
	assert.Equal(t, "Wrong project information.", m.PostUploadProgress(context.Background(), "demo", "").Msg)
	assert.Equal(t, "Missing deploy information.", m.Cancel("demo", "").Msg)
	assert.Equal(t, "Unknown deploy session.", m.PostUploadProgress(context.Background(), "demo", "9.9").Msg)

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "game")))
	env := m.Start(Target{})
	assert.Equal(t, Envelope{Msg: "Wrong game to upload.", Status: http.StatusBadRequest}, env)
}

func TestEnvelopeJSON(t *testing.T) {
	data, err := json.Marshal(success(ProcessingProgress{Total: 1}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"data":{"total":1,"processed":0}}`, string(data))

	data, err = json.Marshal(fail(http.StatusNotFound, "Unknown deploy session."))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":false,"msg":"Unknown deploy session."}`, string(data))

	data, err = json.Marshal(success(""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"data":""}`, string(data))
}
