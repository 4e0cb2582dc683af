// Package existence asks the hub which files it still needs, negotiating
// between the batched query protocol and the legacy one-file-per-request
// protocol.
//
// The first query is always batched. A hub that answers 200 understands
// batches. A hub that answers 304 or 404 only understood the first entry;
// that answer settles the first file and every later query goes one file at
// a time. The decision is shared by all workers and never reverts.
package existence

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/bianoble/hubdeploy/internal/hub"
	"github.com/bianoble/hubdeploy/internal/logging"
	"github.com/bianoble/hubdeploy/internal/metrics"
)

// BatchSize is the number of files queued before a batched query is sent.
const BatchSize = 10

// State is the negotiated protocol.
type State int32

const (
	Unknown State = iota
	BatchCapable
	LegacyOnly
)

func (s State) String() string {
	switch s {
	case BatchCapable:
		return "batch"
	case LegacyOnly:
		return "legacy"
	default:
		return "unknown"
	}
}

// Remote sends one existence query.
type Remote interface {
	Check(ctx context.Context, items []hub.CheckItem) (hub.CheckResponse, error)
}

// Item is a file whose presence on the hub is in question.
type Item struct {
	RelPath string
	Hash    string
	Length  int64
}

// Checker is safe for concurrent use.
type Checker struct {
	remote  Remote
	log     *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State
}

// New returns a Checker in the Unknown state.
func New(remote Remote, log *zap.Logger, m *metrics.Metrics) *Checker {
	return &Checker{remote: remote, log: logging.OrNop(log), metrics: metrics.OrDiscard(m)}
}

// State returns the negotiated protocol.
func (c *Checker) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Checker) settle(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Unknown {
		c.state = s
		c.log.Debug("existence protocol negotiated", zap.Stringer("protocol", s))
	}
}

// Token is the per-query name of the file at index in a batch: the index
// followed by the file's extension.
func Token(index int, rel string) string {
	return strconv.Itoa(index) + path.Ext(rel)
}

// Check reports, for each item, whether the hub is missing it.
func (c *Checker) Check(ctx context.Context, items []Item) ([]bool, error) {
	missing := make([]bool, len(items))
	if len(items) == 0 {
		return missing, nil
	}

	start := 0
	if state := c.State(); state != LegacyOnly {
		query := make([]hub.CheckItem, len(items))
		for i, it := range items {
			query[i] = hub.CheckItem{Name: Token(i, it.RelPath), Hash: it.Hash, Length: it.Length}
		}

		c.metrics.ExistenceChecks.WithLabelValues(BatchCapable.String()).Inc()
		resp, err := c.remote.Check(ctx, query)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.Status == http.StatusOK:
			c.settle(BatchCapable)
			want := make(map[string]bool, len(resp.Missing))
			for _, name := range resp.Missing {
				want[name] = true
			}
			for i, q := range query {
				missing[i] = want[q.Name]
			}
			return missing, nil

		case state == Unknown && (resp.Status == http.StatusNotModified || resp.Status == http.StatusNotFound):
			c.settle(LegacyOnly)
			missing[0] = resp.Status == http.StatusNotFound
			start = 1

		default:
			return nil, &hub.ProtocolError{
				Op:     "upload/check",
				Reason: fmt.Sprintf("unexpected status %d for a batched query", resp.Status),
			}
		}
	}

	for i := start; i < len(items); i++ {
		gone, err := c.checkOne(ctx, items[i])
		if err != nil {
			return nil, err
		}
		missing[i] = gone
	}
	return missing, nil
}

// checkOne uses the legacy protocol, where the name is the file's base name.
func (c *Checker) checkOne(ctx context.Context, it Item) (bool, error) {
	c.metrics.ExistenceChecks.WithLabelValues(LegacyOnly.String()).Inc()
	resp, err := c.remote.Check(ctx, []hub.CheckItem{{Name: path.Base(it.RelPath), Hash: it.Hash, Length: it.Length}})
	if err != nil {
		return false, err
	}
	switch resp.Status {
	case http.StatusNotModified:
		return false, nil
	case http.StatusNotFound:
		return true, nil
	default:
		return false, &hub.ProtocolError{
			Op:     "upload/check",
			Reason: fmt.Sprintf("unexpected status %d for %s", resp.Status, it.RelPath),
		}
	}
}
