// Package compress produces gzip transport artifacts, preferring an external
// 7-Zip binary and falling back to the built-in encoder.
package compress

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/bianoble/hubdeploy/internal/logging"
	"github.com/bianoble/hubdeploy/internal/metrics"
	"github.com/bianoble/hubdeploy/internal/sandbox"
)

// Compressor names reported in metrics.
const (
	External = "7zip"
	Builtin  = "builtin"
)

// Already-compressed formats gain nothing from gzip.
var skipExtensions = map[string]bool{
	".ogg":  true,
	".png":  true,
	".jpeg": true,
	".jpg":  true,
	".gif":  true,
	".ico":  true,
	".mp3":  true,
	".wav":  true,
	".swf":  true,
	".webm": true,
	".mp4":  true,
}

// Compressible reports whether the file at the slash-separated rel path is
// worth compressing. The extension match ignores case.
func Compressible(rel string) bool {
	return !skipExtensions[strings.ToLower(path.Ext(rel))]
}

// Options configures a Compressor.
type Options struct {
	// SevenZip is the external binary. Empty means search PATH for 7z then
	// 7za; "none" disables the external compressor.
	SevenZip string
	// Ultra adds the slow maximum-ratio 7-Zip switches.
	Ultra   bool
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Compressor writes artifacts. It is safe for concurrent use.
type Compressor struct {
	sevenZip string
	ultra    bool
	log      *zap.Logger
	metrics  *metrics.Metrics
	warnOnce sync.Once
}

// New resolves the external binary and returns a Compressor.
func New(opts Options) *Compressor {
	c := &Compressor{
		ultra:   opts.Ultra,
		log:     logging.OrNop(opts.Logger),
		metrics: metrics.OrDiscard(opts.Metrics),
	}

	switch opts.SevenZip {
	case "none":
	case "":
		for _, name := range []string{"7z", "7za"} {
			if p, err := exec.LookPath(name); err == nil {
				c.sevenZip = p
				break
			}
		}
	default:
		if p, err := exec.LookPath(opts.SevenZip); err == nil {
			c.sevenZip = p
		} else {
			c.log.Warn("configured 7-Zip binary not found", zap.String("binary", opts.SevenZip), zap.Error(err))
		}
	}
	return c
}

// External reports whether an external binary will be used.
func (c *Compressor) External() bool {
	return c.sevenZip != ""
}

// Compress writes a gzip encoding of src to dst. On failure no file is left
// at dst.
func (c *Compressor) Compress(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale artifact: %w", err)
	}

	if c.sevenZip != "" {
		if err := c.external(ctx, src, dst); err != nil {
			_ = os.Remove(dst)
			return err
		}
		c.metrics.Compressions.WithLabelValues(External).Inc()
		return nil
	}

	c.warnOnce.Do(func() {
		c.log.Warn("7-Zip not found, using built-in gzip; artifacts will be larger")
	})
	if err := c.builtin(src, dst); err != nil {
		return err
	}
	c.metrics.Compressions.WithLabelValues(Builtin).Inc()
	return nil
}

func (c *Compressor) external(ctx context.Context, src, dst string) error {
	args := []string{"a", "-tgzip"}
	if c.ultra {
		args = append(args, "-mx=9", "-mfb=257", "-mpass=15")
	}
	args = append(args, dst, src)

	out, err := exec.CommandContext(ctx, c.sevenZip, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", filepath.Base(c.sevenZip), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *Compressor) builtin(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	return sandbox.WriteAtomic(dst, 0644, func(w io.Writer) error {
		zw, err := gzip.NewWriterLevel(w, gzip.BestCompression)
		if err != nil {
			return err
		}
		zw.Name = filepath.Base(src)
		if _, err := io.Copy(zw, in); err != nil {
			return fmt.Errorf("compressing %s: %w", src, err)
		}
		return zw.Close()
	})
}
