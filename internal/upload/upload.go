// Package upload runs an upload session: it opens the session, transfers
// files with a bounded worker pool and closes the session exactly once.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/bianoble/hubdeploy/internal/hub"
	"github.com/bianoble/hubdeploy/internal/logging"
	"github.com/bianoble/hubdeploy/internal/metrics"
	"github.com/bianoble/hubdeploy/internal/pool"
)

// State is the lifecycle of a session.
type State int32

const (
	NotStarted State = iota
	Transferring
	Committed
	Canceled
)

func (s State) String() string {
	switch s {
	case Transferring:
		return "transferring"
	case Committed:
		return "committed"
	case Canceled:
		return "canceled"
	default:
		return "not started"
	}
}

// Remote is the part of the hub protocol a session uses.
type Remote interface {
	Begin(ctx context.Context, r hub.BeginRequest) (string, error)
	UploadFile(ctx context.Context, f hub.FileUpload) error
	End(ctx context.Context, session string, success bool) error
}

// Stopper is the shared stop flag of a deployment.
type Stopper interface {
	Stopped() bool
	Stop(msg string)
}

// Item is one file to transfer.
type Item struct {
	// Transport is the file sent; Source is the file it was derived from.
	Transport string
	Source    string
	RelPath   string
	Size      int64
	Hash      string
	MD5       string
}

// Result reports a completed transfer. Void marks the end of a worker's
// results after a stop.
type Result struct {
	Item Item
	Void bool
}

// Session is one upload session on the hub.
type Session struct {
	remote  Remote
	workers int
	log     *zap.Logger
	metrics *metrics.Metrics

	id     string
	state  atomic.Int32
	finish sync.Once
}

// Options configures a Session.
type Options struct {
	Workers int
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// New returns a session that has not been opened yet.
func New(remote Remote, opts Options) *Session {
	return &Session{
		remote:  remote,
		workers: opts.Workers,
		log:     logging.OrNop(opts.Logger),
		metrics: metrics.OrDiscard(opts.Metrics),
	}
}

// State returns the session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ID returns the hub's session id, empty until Begin succeeds.
func (s *Session) ID() string {
	return s.id
}

// Begin opens the session. The returned error is the user-facing failure.
func (s *Session) Begin(ctx context.Context, r hub.BeginRequest) error {
	id, err := s.remote.Begin(ctx, r)
	if err != nil {
		return beginError(r.MetadataPath, err)
	}
	s.id = id
	s.state.Store(int32(Transferring))
	s.log.Info("upload session started", zap.String("session", id), zap.Int("files", r.NumFiles))
	return nil
}

func beginError(metadataPath string, err error) error {
	var pathErr *fs.PathError
	var statusErr *hub.StatusError
	var protoErr *hub.ProtocolError
	switch {
	case errors.Is(err, hub.ErrTimedOut):
		return err
	case errors.As(err, &pathErr):
		return fmt.Errorf(`Error opening file "%s".`, metadataPath)
	case errors.As(err, &statusErr):
		if statusErr.Msg != "" {
			return errors.New(statusErr.Msg)
		}
		return fmt.Errorf(`Error starting upload: "%s".`, statusErr.Reason)
	case errors.As(err, &protoErr):
		return errors.New(protoErr.Reason)
	default:
		return fmt.Errorf(`Error starting upload: "%s".`, err)
	}
}

// Transfer uploads items across the worker pool and returns the channel
// successful transfers arrive on. The channel is closed when every worker
// has returned. A failing transfer stops the deployment; in-flight transfers
// finish but no new ones start.
func (s *Session) Transfer(ctx context.Context, items []Item, stop Stopper) <-chan Result {
	spans := pool.Split(len(items), s.workers)
	out := make(chan Result, len(items)+len(spans))

	wait := pool.Run(spans, func(span pool.Span) {
		for _, it := range items[span.Lo:span.Hi] {
			if stop.Stopped() {
				out <- Result{Void: true}
				return
			}
			if err := s.send(ctx, it); err != nil {
				s.metrics.Uploads.WithLabelValues("error").Inc()
				stop.Stop(err.Error())
				continue
			}
			s.metrics.Uploads.WithLabelValues("ok").Inc()
			out <- Result{Item: it}
		}
	})
	go func() {
		wait()
		close(out)
	}()
	return out
}

func (s *Session) send(ctx context.Context, it Item) error {
	err := s.remote.UploadFile(ctx, hub.FileUpload{
		Session: s.id,
		Path:    it.Transport,
		RelPath: it.RelPath,
		Hash:    it.Hash,
		MD5:     it.MD5,
		Length:  it.Size,
		Gzip:    it.Transport != it.Source,
	})
	if err == nil {
		s.log.Debug("uploaded", zap.String("path", it.RelPath), zap.Int64("bytes", it.Size))
		return nil
	}

	var pathErr *fs.PathError
	var uploadErr *hub.UploadError
	var protoErr *hub.ProtocolError
	switch {
	case errors.As(err, &pathErr):
		return fmt.Errorf(`Error opening file "%s".`, it.Transport)
	case errors.As(err, &uploadErr):
		switch {
		case uploadErr.Corrupt:
			return fmt.Errorf(`File "%s" corrupted on transit.`, it.RelPath)
		case uploadErr.Msg != "":
			return fmt.Errorf("Error when uploading file \"%s\".\n%s", it.RelPath, uploadErr.Msg)
		default:
			return fmt.Errorf(`Error when uploading file "%s": "%s"`, it.RelPath, uploadErr.Reason)
		}
	case errors.As(err, &protoErr):
		return fmt.Errorf(`Hub error uploading file "%s".`, it.RelPath)
	case errors.Is(err, hub.ErrRejected):
		return fmt.Errorf(`Error uploading file "%s".`, it.RelPath)
	default:
		return fmt.Errorf(`Error uploading file "%s": "%s".`, it.RelPath, err)
	}
}

// Finish commits or cancels the session. Only the first call reaches the
// hub; later calls and calls on an unopened session do nothing.
func (s *Session) Finish(ctx context.Context, success bool) error {
	if s.State() == NotStarted {
		return nil
	}
	var err error
	s.finish.Do(func() {
		final := Canceled
		if success {
			final = Committed
		}
		err = s.remote.End(ctx, s.id, success)
		s.state.Store(int32(final))
		if err != nil {
			s.log.Error("closing upload session", zap.String("session", s.id), zap.Stringer("state", final), zap.Error(err))
			return
		}
		s.log.Info("upload session closed", zap.String("session", s.id), zap.Stringer("state", final))
	})
	return err
}
