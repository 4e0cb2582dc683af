package hubdeploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/bianoble/hubdeploy/internal/hub"
)

// Envelope is the JSON answer of every Manager operation. Status is the
// HTTP status a front end should reply with.
type Envelope struct {
	OK     bool   `json:"ok"`
	Msg    string `json:"msg,omitempty"`
	Data   any    `json:"data,omitempty"`
	Status int    `json:"-"`
}

// UploadProgress is the data of a Progress envelope.
type UploadProgress struct {
	TotalFiles    int64 `json:"total_files"`
	NumFiles      int64 `json:"num_files"`
	NumBytes      int64 `json:"num_bytes"`
	UploadedFiles int64 `json:"uploaded_files"`
	UploadedBytes int64 `json:"uploaded_bytes"`
}

// ProcessingProgress is the data of a PostUploadProgress envelope.
type ProcessingProgress struct {
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Msg       string `json:"msg,omitempty"`
}

func fail(status int, msg string) Envelope {
	return Envelope{Msg: msg, Status: status}
}

func success(data any) Envelope {
	return Envelope{OK: true, Data: data, Status: http.StatusOK}
}

// Manager runs deployments in the background, one per project and version,
// and lets callers poll and cancel them. It is safe for concurrent use.
type Manager struct {
	client *Client
	ctx    context.Context

	mu        sync.Mutex
	deploying map[string]*Deployment
	wg        sync.WaitGroup
}

// NewManager returns a Manager whose deployments live until ctx ends or
// they are canceled.
func NewManager(ctx context.Context, client *Client) *Manager {
	return &Manager{
		client:    client,
		ctx:       ctx,
		deploying: make(map[string]*Deployment),
	}
}

func deployKey(project, version string) string {
	return project + "\x00" + version
}

// Start begins deploying the configured game to t in the background. The
// Manager polls post-upload processing itself, so t.SkipProcessing is
// ignored.
func (m *Manager) Start(t Target) Envelope {
	t = m.client.resolve(t)
	if t.Project == "" || t.Version == "" {
		return fail(http.StatusBadRequest, "Wrong project information.")
	}
	if info, err := os.Stat(m.client.cfg.Game.Path); err != nil || !info.IsDir() {
		return fail(http.StatusBadRequest, "Wrong game to upload.")
	}

	key := deployKey(t.Project, t.Version)
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.deploying[key]; ok {
		select {
		case <-prev.Finished():
		default:
			return fail(http.StatusConflict, "Deployment already in progress.")
		}
	}

	t.SkipProcessing = true
	d, err := m.client.NewDeployment(t)
	if err != nil {
		m.client.log.Warn("rejected deployment", zap.Error(err))
		return fail(http.StatusBadRequest, "Wrong project information.")
	}
	m.deploying[key] = d

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		d.Run(m.ctx)
	}()

	return success(fmt.Sprintf("local=%s&project=%s&version=%s", m.client.cfg.Game.Slug, t.Project, t.Version))
}

// Lookup returns the deployment registered for project and version.
func (m *Manager) Lookup(project, version string) (*Deployment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deploying[deployKey(project, version)]
	return d, ok
}

func (m *Manager) find(project, version string) (*Deployment, Envelope, bool) {
	if project == "" || version == "" {
		return nil, fail(http.StatusBadRequest, "Wrong project information."), false
	}
	d, ok := m.Lookup(project, version)
	if !ok {
		return nil, fail(http.StatusNotFound, "Unknown deploy session."), false
	}
	return d, Envelope{}, true
}

// Progress reports the transfer counters. A finished deployment that had
// nothing to upload reports one of one so callers can render completion.
func (m *Manager) Progress(project, version string) Envelope {
	d, env, ok := m.find(project, version)
	if !ok {
		return env
	}
	p := d.Progress()
	if p.Error != "" {
		m.client.log.Error("deployment failed", zap.String("project", project), zap.String("error", p.Error))
		return fail(http.StatusBadRequest, p.Error)
	}
	if p.Done && p.NumFiles == 0 {
		return success(UploadProgress{TotalFiles: 1, NumFiles: 1, NumBytes: 1, UploadedFiles: 1, UploadedBytes: 1})
	}
	return success(UploadProgress{
		TotalFiles:    p.TotalFiles,
		NumFiles:      p.NumFiles,
		NumBytes:      p.NumBytes,
		UploadedFiles: p.UploadedFiles,
		UploadedBytes: p.UploadedBytes,
	})
}

// PostUploadProgress asks the hub how far it got processing a committed
// upload. Until the transfer is done it reports no progress. Once the hub
// reports completion the deployment is recorded and forgotten.
func (m *Manager) PostUploadProgress(ctx context.Context, project, version string) Envelope {
	d, env, ok := m.find(project, version)
	if !ok {
		return env
	}
	if msg := d.Err(); msg != "" {
		m.client.log.Error("deployment failed", zap.String("project", project), zap.String("error", msg))
		return fail(http.StatusBadRequest, msg)
	}
	if !d.Done() {
		return success(ProcessingProgress{Total: 1, Processed: 0})
	}
	session := d.SessionID()
	if session == "" {
		return fail(http.StatusNotFound, "No deploy session found.")
	}

	p, err := m.client.hub.PostUploadProgress(ctx, session)
	if err != nil {
		m.client.log.Error("post-upload progress", zap.String("session", session), zap.Error(err))
		var se *hub.StatusError
		if errors.As(err, &se) {
			return fail(http.StatusInternalServerError, "Wrong Hub answer.")
		}
		return fail(http.StatusInternalServerError, "Post-upload progress check failed.")
	}

	switch {
	case p.Failed:
		return fail(http.StatusInternalServerError, "Post-upload processing failed: "+p.Info)
	case p.Progress < 0:
		return fail(http.StatusInternalServerError, "Invalid post-upload progress.")
	case p.Progress >= 100:
		m.forget(project, version, d)
		if err := m.client.record(d); err != nil {
			m.client.log.Warn("recording deployment", zap.Error(err))
		}
	}
	return success(ProcessingProgress{Total: 100, Processed: p.Progress, Msg: p.Info})
}

// Cancel stops the deployment. The upload session, if one was opened, is
// canceled on the hub before the background run returns, and the deployment
// stays registered until then so it cannot be started again meanwhile.
func (m *Manager) Cancel(project, version string) Envelope {
	if project == "" || version == "" {
		return fail(http.StatusBadRequest, "Missing deploy information.")
	}
	d, ok := m.Lookup(project, version)
	if !ok {
		return fail(http.StatusNotFound, "Unknown deploy session.")
	}
	d.Cancel()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-d.Finished()
		m.forget(project, version, d)
	}()
	return success("")
}

func (m *Manager) forget(project, version string, d *Deployment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deployKey(project, version)
	if m.deploying[key] == d {
		delete(m.deploying, key)
	}
}

// Wait blocks until every background run has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
