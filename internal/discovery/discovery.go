// Package discovery enumerates a note folder into sorted note records, either
// all at once or as a stream of fixed-size batches.
package discovery

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/parser"
	"github.com/starford/quire/internal/storage"
)

// DefaultBatchSize is the number of notes per streamed batch.
const DefaultBatchSize = 50

// Engine walks a folder and builds note records.
type Engine struct {
	filter    Filter
	batchSize int
	logger    *slog.Logger

	onEntry func(path string) // test hook, called for every entry the walk sees
}

// Option configures an Engine.
type Option func(*Engine)

// WithFilter sets the extension allow-list and junk directory set.
func WithFilter(f Filter) Option {
	return func(e *Engine) { e.filter = f }
}

// WithBatchSize sets the streamed batch size.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithLogger sets the logger used for skipped entries.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine with the default filter and batch size.
func New(opts ...Option) *Engine {
	e := &Engine{
		filter:    NewFilter(nil, nil),
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Filter returns the engine's filter.
func (e *Engine) Filter() Filter {
	return e.filter
}

// Scan walks root and returns every note sorted by recency. On cancellation
// it returns ctx.Err() and no notes.
func (e *Engine) Scan(ctx context.Context, root string) ([]models.Note, error) {
	var out []models.Note
	err := e.walk(ctx, root, func(n models.Note) error {
		out = append(out, n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	models.SortByRecency(out)
	return out, nil
}

// Stream is an in-flight streamed scan.
type Stream struct {
	// C yields batches sorted by recency. It is closed when the walk ends.
	C <-chan []models.Note

	done chan struct{}
	err  error
}

// Err blocks until the walk has ended and reports why: nil on completion,
// ctx.Err() on cancellation.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Stream walks root in the background, yielding batches of at most the
// configured size as they fill up. Once cancellation is observed no further
// batch is sent and no further file is read.
func (e *Engine) Stream(ctx context.Context, root string) *Stream {
	ch := make(chan []models.Note)
	s := &Stream{C: ch, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		defer close(ch)

		send := func(batch []models.Note) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			models.SortByRecency(batch)
			select {
			case ch <- batch:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		batch := make([]models.Note, 0, e.batchSize)
		err := e.walk(ctx, root, func(n models.Note) error {
			batch = append(batch, n)
			if len(batch) < e.batchSize {
				return nil
			}
			full := batch
			batch = make([]models.Note, 0, e.batchSize)
			return send(full)
		})
		if err == nil && len(batch) > 0 {
			err = send(batch)
		}
		s.err = err
	}()

	return s
}

// walk visits every note under root. Unreadable entries are skipped; only
// cancellation aborts the walk.
func (e *Engine) walk(ctx context.Context, root string, visit func(models.Note) error) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	start := time.Now()
	count := 0

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			e.logger.Debug("discovery: skip unreadable entry",
				slog.String("path", path), slog.String("error", walkErr.Error()))
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		if e.onEntry != nil {
			e.onEntry(path)
		}

		// d.Type() comes from the directory read itself; no extra stat.
		if d.IsDir() {
			if e.filter.SkipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !e.filter.IsNote(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			e.logger.Debug("discovery: skip unstatable file",
				slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		count++
		return visit(Describe(path, filepath.ToSlash(rel), info.ModTime()))
	})

	if err != nil {
		e.logger.Debug("discovery: walk stopped",
			slog.String("root", root), slog.Int("notes", count), slog.String("error", err.Error()))
		return err
	}
	e.logger.Debug("discovery: walk finished",
		slog.String("root", root), slog.Int("notes", count), slog.Duration("took", time.Since(start)))
	return nil
}

// Describe builds a note from a single bounded read of the file. A failed read
// yields an empty title and preview rather than an error.
func Describe(abs, rel string, modTime time.Time) models.Note {
	head, err := storage.ReadHead(abs, parser.PreviewReadLimit)
	if err != nil {
		head = nil
	}
	title, preview := parser.Describe(head)
	return models.NewNote(abs, rel, modTime, title, preview)
}
