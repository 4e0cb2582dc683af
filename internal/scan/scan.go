// Package scan classifies deployable files: it hashes what changed, builds
// compressed transport artifacts and asks the hub which files it lacks.
package scan

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/bianoble/hubdeploy/internal/artifact"
	"github.com/bianoble/hubdeploy/internal/compress"
	"github.com/bianoble/hubdeploy/internal/existence"
	"github.com/bianoble/hubdeploy/internal/hashcache"
	"github.com/bianoble/hubdeploy/internal/hasher"
	"github.com/bianoble/hubdeploy/internal/logging"
	"github.com/bianoble/hubdeploy/internal/metacache"
	"github.com/bianoble/hubdeploy/internal/metrics"
	"github.com/bianoble/hubdeploy/internal/pool"
)

// Kind classifies a scanned file.
type Kind int

const (
	// Skipped files are not regular files or are empty. They are not deployed.
	Skipped Kind = iota
	// Unchanged files are known to the hub and their cached metadata holds.
	Unchanged
	// Present files are on the hub but their metadata was recomputed.
	Present
	// Missing files must be uploaded.
	Missing
	// Unchecked files were hashed but the scan stopped before the hub was
	// asked about them. Only their metadata is usable.
	Unchecked
	// Void marks the end of a worker's results after a stop.
	Void
)

func (k Kind) String() string {
	switch k {
	case Skipped:
		return metrics.OutcomeSkipped
	case Unchanged:
		return metrics.OutcomeUnchanged
	case Present:
		return metrics.OutcomePresent
	case Missing:
		return metrics.OutcomeMissing
	case Unchecked:
		return metrics.OutcomeUnchecked
	default:
		return "void"
	}
}

// FileRecord is everything learned about one source file.
type FileRecord struct {
	Source    string
	Transport string
	RelPath   string
	Size      int64
	Hash      string
	MD5       string
	Changed   time.Time
}

// Compressed reports whether the transport is a gzip artifact.
func (r FileRecord) Compressed() bool {
	return r.Transport != r.Source
}

// Entry returns the metadata cache entry for r.
func (r FileRecord) Entry() metacache.Entry {
	return metacache.Entry{Length: r.Size, Hash: r.Hash, MD5: r.MD5}
}

// Outcome is one scanner result. Updated is set when the metadata cache
// entry must be rewritten.
type Outcome struct {
	Kind    Kind
	File    FileRecord
	Updated bool
}

// Stopper is the shared stop flag of a deployment.
type Stopper interface {
	Stopped() bool
	Stop(msg string)
}

// Input is the work of one scan.
type Input struct {
	// Files are absolute paths under the game root.
	Files []string
	// Watermark and Cached come from the metadata cache.
	Watermark time.Time
	Cached    metacache.Entries
	// Known holds the hash cache tokens of content already on the hub.
	Known *hashcache.Tokens
}

// Options configures a Scanner.
type Options struct {
	Root       string
	Store      *artifact.Store
	Compressor *compress.Compressor
	Checker    *existence.Checker
	Workers    int
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Scanner runs the scan workers.
type Scanner struct {
	root       string
	store      *artifact.Store
	compressor *compress.Compressor
	checker    *existence.Checker
	workers    int
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// New returns a Scanner.
func New(opts Options) *Scanner {
	return &Scanner{
		root:       opts.Root,
		store:      opts.Store,
		compressor: opts.Compressor,
		checker:    opts.Checker,
		workers:    opts.Workers,
		log:        logging.OrNop(opts.Logger),
		metrics:    metrics.OrDiscard(opts.Metrics),
	}
}

// Start splits in.Files into contiguous slices, one per worker, and returns
// the channel their outcomes arrive on. The channel is closed once every
// worker has returned. It is buffered for every possible send, so workers
// never block on a slow or departed reader.
func (s *Scanner) Start(ctx context.Context, in Input, stop Stopper) <-chan Outcome {
	spans := pool.Split(len(in.Files), s.workers)
	out := make(chan Outcome, len(in.Files)+len(spans))

	wait := pool.Run(spans, func(span pool.Span) {
		w := &worker{Scanner: s, in: in, stop: stop, out: out}
		w.run(ctx, in.Files[span.Lo:span.Hi])
	})
	go func() {
		wait()
		close(out)
	}()
	return out
}

type worker struct {
	*Scanner
	in      Input
	stop    Stopper
	out     chan<- Outcome
	pending []pending
}

type pending struct {
	rec     FileRecord
	updated bool
}

func (w *worker) run(ctx context.Context, files []string) {
	for _, abs := range files {
		if w.stop.Stopped() {
			w.abandon()
			return
		}
		w.scanFile(ctx, abs)
	}
	if w.stop.Stopped() {
		w.abandon()
		return
	}
	w.flush(ctx)
}

// abandon hands over the hashed but unchecked files and ends the worker's
// results.
func (w *worker) abandon() {
	for _, p := range w.pending {
		w.emit(Outcome{Kind: Unchecked, File: p.rec, Updated: p.updated})
	}
	w.pending = nil
	w.out <- Outcome{Kind: Void}
}

func (w *worker) emit(o Outcome) {
	w.metrics.FilesScanned.WithLabelValues(o.Kind.String()).Inc()
	w.out <- o
}

func (w *worker) scanFile(ctx context.Context, abs string) {
	rel, err := RelPath(w.root, abs)
	if err != nil {
		w.stop.Stop(fmt.Sprintf(`Error checking file "%s": "%s".`, abs, err))
		return
	}

	info, err := os.Stat(abs)
	if err != nil {
		w.stop.Stop(fmt.Sprintf(`Error opening file "%s": "%s".`, rel, err))
		return
	}
	if !info.Mode().IsRegular() || info.Size() <= 0 {
		w.emit(Outcome{Kind: Skipped, File: FileRecord{Source: abs, RelPath: rel}})
		return
	}

	rec := FileRecord{
		Source:    abs,
		Transport: abs,
		RelPath:   rel,
		Size:      info.Size(),
		Changed:   FileTime(info),
	}

	rehash := true
	if !w.in.Watermark.IsZero() && !w.in.Watermark.Before(rec.Changed) {
		if cached, ok := w.in.Cached[rel]; ok && cached.Length == rec.Size {
			rec.Hash, rec.MD5 = cached.Hash, cached.MD5
			rehash = false
		}
	}

	updated := false
	if compress.Compressible(rel) {
		recompressed, failure := w.prepareArtifact(ctx, &rec)
		if failure != "" {
			w.stop.Stop(failure)
			return
		}
		if recompressed {
			updated = true
			if rehash {
				if rec.Hash, err = hasher.ContentHash(abs); err != nil {
					w.stop.Stop(fmt.Sprintf(`Error opening file "%s": "%s".`, rel, err))
					return
				}
				rehash = false
			}
			if rec.MD5, err = hasher.Checksum(rec.Transport); err != nil {
				w.stop.Stop(fmt.Sprintf(`Error opening compressed file "%s": "%s".`, rec.Transport, err))
				return
			}
		}
	}

	if rehash {
		updated = true
		sums, err := hasher.Pair(abs, rec.Transport)
		if err != nil {
			w.stop.Stop(fmt.Sprintf(`Error opening file "%s": "%s".`, rel, err))
			return
		}
		rec.Hash, rec.MD5 = sums.Hash, sums.MD5
	}

	if w.in.Known != nil && w.in.Known.Has(hashcache.Token(rel, rec.Hash, rec.Size)) {
		if updated {
			w.emit(Outcome{Kind: Present, File: rec, Updated: true})
		} else {
			w.emit(Outcome{Kind: Unchanged, File: rec})
		}
		return
	}

	w.pending = append(w.pending, pending{rec: rec, updated: updated})
	if len(w.pending) >= existence.BatchSize {
		w.flush(ctx)
	}
}

// prepareArtifact makes sure rec.Transport names the smaller of the source
// and a fresh artifact. It reports whether the artifact was rebuilt, or why
// it could not be. An artifact that does not beat the source stays on disk
// as a freshness marker but is not sent.
func (w *worker) prepareArtifact(ctx context.Context, rec *FileRecord) (bool, string) {
	dst, err := w.store.Path(rec.RelPath)
	if err != nil {
		return false, fmt.Sprintf(`Error compressing file "%s": "%s".`, rec.RelPath, err)
	}

	info, err := os.Stat(dst)
	if err == nil && !info.ModTime().Before(rec.Changed) {
		if info.Size() < rec.Size {
			rec.Transport = dst
		}
		return false, ""
	}

	if err := w.compressor.Compress(ctx, rec.Source, dst); err != nil {
		return false, fmt.Sprintf(`Error compressing file "%s": "%s".`, rec.RelPath, err)
	}
	info, err = os.Stat(dst)
	if err != nil {
		return false, fmt.Sprintf(`Error opening compressed file "%s": "%s".`, dst, err)
	}
	if info.Size() < rec.Size {
		rec.Transport = dst
	}
	return true, ""
}

func (w *worker) flush(ctx context.Context) {
	if len(w.pending) == 0 {
		return
	}
	batch := w.pending
	w.pending = nil

	items := make([]existence.Item, len(batch))
	for i, p := range batch {
		items[i] = existence.Item{RelPath: p.rec.RelPath, Hash: p.rec.Hash, Length: p.rec.Size}
	}

	missing, err := w.checker.Check(ctx, items)
	if err != nil {
		w.stop.Stop(fmt.Sprintf(`Error checking files: "%s".`, err))
		for _, p := range batch {
			w.emit(Outcome{Kind: Unchecked, File: p.rec, Updated: p.updated})
		}
		return
	}
	for i, p := range batch {
		kind := Present
		if missing[i] {
			kind = Missing
		}
		w.emit(Outcome{Kind: kind, File: p.rec, Updated: p.updated})
	}
}

// FileTime is the later of the modification and inode change times, so a
// file replaced by an older copy still counts as changed.
func FileTime(info os.FileInfo) time.Time {
	m := info.ModTime()
	if c := changeTime(info); c.After(m) {
		return c
	}
	return m
}
