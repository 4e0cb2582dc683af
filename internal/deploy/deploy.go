// Package deploy orchestrates one incremental deployment of a game version:
// scan, upload session, hash cache bookkeeping and post-upload processing.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bianoble/hubdeploy/internal/artifact"
	"github.com/bianoble/hubdeploy/internal/compress"
	"github.com/bianoble/hubdeploy/internal/existence"
	"github.com/bianoble/hubdeploy/internal/hashcache"
	"github.com/bianoble/hubdeploy/internal/hub"
	"github.com/bianoble/hubdeploy/internal/logging"
	"github.com/bianoble/hubdeploy/internal/metacache"
	"github.com/bianoble/hubdeploy/internal/metrics"
	"github.com/bianoble/hubdeploy/internal/pool"
	"github.com/bianoble/hubdeploy/internal/scan"
	"github.com/bianoble/hubdeploy/internal/upload"
)

// DefaultPollInterval spaces post-upload progress requests.
const DefaultPollInterval = 400 * time.Millisecond

// CanceledMsg is the error recorded by Cancel.
const CanceledMsg = "Canceled."

// Hub is the remote a deployment talks to.
type Hub interface {
	existence.Remote
	hashcache.Lister
	upload.Remote
	PostUploadProgress(ctx context.Context, session string) (hub.PostProgress, error)
	Host() string
	Mode() hub.TransferMode
}

// Game describes the local game being deployed.
type Game struct {
	Slug          string
	Path          string
	Include       []string
	PluginMain    string
	CanvasMain    string
	FlashMain     string
	MappingTable  string
	EngineVersion string
	IsMultiplayer bool
	AspectRatio   string
}

// Options configures a Deployment.
type Options struct {
	Game         Game
	Project      string
	Version      string
	VersionTitle string
	CacheDir     string
	Hub          Hub
	Compressor   *compress.Compressor
	Workers      int
	PollInterval time.Duration
	// SkipProcessing returns as soon as the session is committed instead of
	// waiting for the hub to process it.
	SkipProcessing bool
	LocalVersion   string
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Deployment is one run. Its progress may be read from any goroutine while
// Run executes.
type Deployment struct {
	opts    Options
	id      string
	log     *zap.Logger
	metrics *metrics.Metrics

	store   *artifact.Store
	meta    *metacache.Cache
	hashes  *hashcache.Cache
	scanner *scan.Scanner
	session *upload.Session

	phase         atomic.Int32
	totalFiles    atomic.Int64
	numFiles      atomic.Int64
	numBytes      atomic.Int64
	uploadedFiles atomic.Int64
	uploadedBytes atomic.Int64
	processed     atomic.Int64
	stopped       atomic.Bool
	done          atomic.Bool
	started       atomic.Bool
	finished      chan struct{}

	mu        sync.Mutex
	err       string
	info      string
	sessionID string
}

// New prepares a deployment. Nothing touches the hub until Run.
func New(opts Options) (*Deployment, error) {
	if opts.Hub == nil {
		return nil, errors.New("deploy: hub is required")
	}
	if opts.Game.Path == "" {
		return nil, errors.New("deploy: game path is required")
	}
	if len(opts.Game.Include) == 0 {
		opts.Game.Include = []string{"*"}
	}
	if opts.Workers <= 0 {
		opts.Workers = pool.MaxWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.VersionTitle == "" {
		opts.VersionTitle = opts.Version
	}
	if opts.LocalVersion == "" {
		opts.LocalVersion = "dev"
	}
	if opts.CacheDir == "" {
		opts.CacheDir = artifact.DefaultDir()
	}

	store, err := artifact.New(opts.CacheDir, opts.Game.Slug)
	if err != nil {
		return nil, err
	}

	id := newRunID()
	log := logging.Run(opts.Logger, id, opts.Project, opts.Version)
	m := metrics.OrDiscard(opts.Metrics)
	compressor := opts.Compressor
	if compressor == nil {
		compressor = compress.New(compress.Options{Logger: log, Metrics: m})
	}

	return &Deployment{
		opts:    opts,
		id:      id,
		log:     log,
		metrics: m,
		store:   store,
		meta:    metacache.New(store.MetadataPath(), log),
		hashes:  hashcache.New(opts.CacheDir, opts.Hub.Host(), opts.Hub, log),
		scanner: scan.New(scan.Options{
			Root:       opts.Game.Path,
			Store:      store,
			Compressor: compressor,
			Checker:    existence.New(opts.Hub, log, m),
			Workers:    opts.Workers,
			Logger:     log,
			Metrics:    m,
		}),
		session:  upload.New(opts.Hub, upload.Options{Workers: opts.Workers, Logger: log, Metrics: m}),
		finished: make(chan struct{}),
	}, nil
}

func newRunID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// ID returns the run id attached to every log line of the deployment.
func (d *Deployment) ID() string {
	return d.id
}

// Project returns the hub project being deployed to.
func (d *Deployment) Project() string {
	return d.opts.Project
}

// Version returns the hub version being deployed.
func (d *Deployment) Version() string {
	return d.opts.Version
}

// Stop halts the deployment with msg as its error. The first message wins.
// Workers notice before their next unit of work.
func (d *Deployment) Stop(msg string) {
	d.mu.Lock()
	if d.err == "" {
		d.err = msg
		d.log.Warn("deployment stopped", zap.String("reason", msg))
	}
	d.mu.Unlock()
	d.stopped.Store(true)
}

// Cancel stops the deployment on the user's request.
func (d *Deployment) Cancel() {
	d.Stop(CanceledMsg)
}

// Stopped reports whether the deployment was stopped.
func (d *Deployment) Stopped() bool {
	return d.stopped.Load()
}

// Done reports whether every file reached the hub and the session was
// committed.
func (d *Deployment) Done() bool {
	return d.done.Load()
}

// Err returns the first error, or "".
func (d *Deployment) Err() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Finished is closed when Run returns.
func (d *Deployment) Finished() <-chan struct{} {
	return d.finished
}

// Run executes the deployment and reports whether the upload phase
// completed. Cancelling ctx cancels the deployment. Run may be called once.
func (d *Deployment) Run(ctx context.Context) bool {
	if !d.started.CompareAndSwap(false, true) {
		return false
	}
	defer close(d.finished)

	start := time.Now()
	unwatch := context.AfterFunc(ctx, d.Cancel)
	if ctx.Err() != nil {
		d.Cancel()
	}

	ok := d.uploadFiles(ctx)

	// The session is closed even when ctx is gone.
	closing := context.WithoutCancel(ctx)
	if err := d.session.Finish(closing, ok); err != nil && ok {
		d.Stop(fmt.Sprintf(`Error ending upload: "%s".`, err))
		ok = false
	}
	unwatch()
	d.done.Store(ok)

	if ok && d.SessionID() != "" && !d.opts.SkipProcessing {
		d.awaitProcessing(ctx)
	} else if ok {
		d.setPhase(PhaseComplete)
	} else {
		d.setPhase(PhaseFailed)
	}

	d.metrics.DeployDuration.Observe(time.Since(start).Seconds())
	d.log.Info("deployment finished",
		zap.Bool("done", ok),
		zap.Int64("files", d.numFiles.Load()),
		zap.Int64("uploaded_files", d.uploadedFiles.Load()),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("error", d.Err()),
	)
	return ok
}

func (d *Deployment) uploadFiles(ctx context.Context) bool {
	d.setPhase(PhaseScanning)
	known := d.hashes.Load(ctx, d.opts.Project)
	d.metrics.HashCacheTokens.Set(float64(known.Len()))

	scanned, toUpload := d.scan(ctx, known)
	if d.Stopped() {
		return false
	}

	numFiles := d.numFiles.Load()
	if numFiles <= 0 {
		return true
	}

	d.setPhase(PhaseUploading)
	g := d.opts.Game
	err := d.session.Begin(ctx, hub.BeginRequest{
		Project:       d.opts.Project,
		Version:       d.opts.Version,
		VersionTitle:  d.opts.VersionTitle,
		PluginMain:    g.PluginMain,
		CanvasMain:    g.CanvasMain,
		FlashMain:     g.FlashMain,
		MappingTable:  g.MappingTable,
		EngineVersion: g.EngineVersion,
		IsMultiplayer: g.IsMultiplayer,
		AspectRatio:   g.AspectRatio,
		NumFiles:      int(numFiles),
		NumBytes:      d.numBytes.Load(),
		LocalVersion:  d.opts.LocalVersion,
		MetadataPath:  d.meta.Path(),
	})
	if err != nil {
		d.Stop(err.Error())
		return false
	}
	d.mu.Lock()
	d.sessionID = d.session.ID()
	d.mu.Unlock()

	for _, f := range scanned {
		known.Add(hashcache.Token(f.RelPath, f.Hash, f.Size))
		d.credit(f.Size)
	}

	if d.uploadedFiles.Load() < numFiles {
		items := make([]upload.Item, len(toUpload))
		for i, f := range toUpload {
			items[i] = upload.Item{
				Transport: f.Transport,
				Source:    f.Source,
				RelPath:   f.RelPath,
				Size:      f.Size,
				Hash:      f.Hash,
				MD5:       f.MD5,
			}
		}
		for r := range d.session.Transfer(ctx, items, d) {
			if r.Void {
				continue
			}
			known.Add(hashcache.Token(r.Item.RelPath, r.Item.Hash, r.Item.Size))
			d.credit(r.Item.Size)
			d.metrics.UploadedBytes.Add(float64(r.Item.Size))
		}
	}

	if err := d.hashes.Save(known); err != nil {
		d.log.Warn("saving hash cache", zap.Error(err))
	}
	d.metrics.HashCacheTokens.Set(float64(known.Len()))

	return !d.Stopped() && d.uploadedFiles.Load() >= numFiles
}

func (d *Deployment) credit(size int64) {
	d.uploadedBytes.Add(size)
	d.uploadedFiles.Add(1)
}

// scan classifies every file and persists the metadata cache. It returns the
// files the hub already holds and the files to upload.
func (d *Deployment) scan(ctx context.Context, known *hashcache.Tokens) (scanned, toUpload []scan.FileRecord) {
	files, err := scan.Find(d.opts.Game.Path, d.opts.Game.Include)
	if err != nil {
		d.Stop(fmt.Sprintf(`Error finding files: "%s".`, err))
		return nil, nil
	}
	d.totalFiles.Store(int64(len(files)))
	d.log.Info("scanning", zap.Int("files", len(files)), zap.String("path", d.opts.Game.Path))

	watermark, cached := d.meta.Read()
	outcomes := d.scanner.Start(ctx, scan.Input{
		Files:     files,
		Watermark: watermark,
		Cached:    cached,
		Known:     known,
	}, d)

	current := make(metacache.Entries, len(cached))
	updated := false
	var newest time.Time

	// Every worker finishes its current file and exits after a stop, so
	// draining the channel keeps results that were already delivered.
	for o := range outcomes {
		switch o.Kind {
		case scan.Void:
			continue
		case scan.Skipped:
			d.totalFiles.Add(-1)
			continue
		}

		f := o.File
		current[f.RelPath] = f.Entry()
		if o.Updated {
			updated = true
			if f.Changed.After(newest) {
				newest = f.Changed
			}
		}
		switch o.Kind {
		case scan.Unchecked:
			continue
		case scan.Missing:
			toUpload = append(toUpload, f)
		default:
			scanned = append(scanned, f)
		}
		d.numFiles.Add(1)
		d.numBytes.Add(f.Size)
	}

	if d.Stopped() {
		d.retainUnreached(watermark, cached, current)
	}

	stamp := metacache.Watermark(watermark, newest)
	if updated || stamp.After(watermark) || len(current) != len(cached) {
		if err := d.meta.Write(current, stamp); err != nil {
			d.log.Error("writing metadata cache", zap.Error(err))
		} else if n := d.meta.Prune(current, d.store); n > 0 {
			d.log.Debug("pruned stale artifacts", zap.Int("count", n))
		}
	}

	d.log.Info("scan finished",
		zap.Int("files", len(current)),
		zap.Int("to_upload", len(toUpload)),
		zap.Bool("stopped", d.Stopped()),
	)
	return scanned, toUpload
}

// retainUnreached carries over cached entries of files a stopped scan never
// reached, as long as they are still trustworthy under the old watermark.
// Entries of files that changed since are dropped so the advanced watermark
// cannot vouch for them.
func (d *Deployment) retainUnreached(watermark time.Time, cached, current metacache.Entries) {
	if watermark.IsZero() {
		return
	}
	for rel, entry := range cached {
		if _, ok := current[rel]; ok {
			continue
		}
		info, err := os.Stat(filepath.Join(d.opts.Game.Path, filepath.FromSlash(rel)))
		if err != nil || info.Size() != entry.Length || watermark.Before(scan.FileTime(info)) {
			continue
		}
		current[rel] = entry
	}
}

// awaitProcessing polls the hub until it has processed the committed
// session, it reports a failure or ctx ends.
func (d *Deployment) awaitProcessing(ctx context.Context) {
	d.setPhase(PhaseProcessing)
	session := d.SessionID()
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		p, err := d.opts.Hub.PostUploadProgress(ctx, session)
		if err != nil {
			if ctx.Err() != nil {
				d.log.Info("stopped waiting for post-upload processing", zap.Error(ctx.Err()))
				return
			}
			var se *hub.StatusError
			if errors.As(err, &se) {
				d.Stop("Wrong Hub answer.")
			} else {
				d.Stop("Post-upload progress check failed.")
			}
			d.log.Error("post-upload progress", zap.Error(err))
			d.setPhase(PhaseFailed)
			return
		}

		d.mu.Lock()
		d.info = p.Info
		d.mu.Unlock()

		switch {
		case p.Failed:
			d.Stop("Post-upload processing failed: " + p.Info)
			d.setPhase(PhaseFailed)
			return
		case p.Progress < 0:
			d.Stop("Invalid post-upload progress.")
			d.setPhase(PhaseFailed)
			return
		case p.Progress >= 100:
			d.processed.Store(100)
			d.setPhase(PhaseComplete)
			return
		}
		d.processed.Store(int64(p.Progress))

		select {
		case <-ctx.Done():
			d.log.Info("stopped waiting for post-upload processing", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
		}
	}
}
