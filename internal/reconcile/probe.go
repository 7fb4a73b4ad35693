package reconcile

import (
	"os"
	"path/filepath"

	"github.com/starford/quire/internal/checksum"
	"github.com/starford/quire/internal/models"
	"github.com/starford/quire/internal/parser"
	"github.com/starford/quire/internal/watcher"
)

// Probe reads what ev points at. It performs blocking I/O and must run off
// the owner goroutine. A file that cannot be read is reported as absent, the
// same as one that vanished between the event and the probe.
func Probe(root string, ev watcher.ChangeEvent) Observation {
	obs := Observation{Event: ev}
	if ev.Kind == watcher.Deleted {
		return obs
	}

	info, err := os.Stat(ev.Path)
	if err != nil || !info.Mode().IsRegular() {
		return obs
	}
	content, err := os.ReadFile(ev.Path)
	if err != nil {
		return obs
	}
	rel, err := filepath.Rel(root, ev.Path)
	if err != nil {
		return obs
	}

	title, preview := parser.Describe(content)
	obs.Exists = true
	obs.Hash = checksum.Sum(content)
	obs.Note = models.NewNote(ev.Path, filepath.ToSlash(rel), info.ModTime(), title, preview)
	return obs
}

// ProbeAll probes a drained batch, keeping its order.
func ProbeAll(root string, batch []watcher.ChangeEvent) []Observation {
	out := make([]Observation, len(batch))
	for i, ev := range batch {
		out[i] = Probe(root, ev)
	}
	return out
}
