package markdown

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/epicenterhq/epicenter/pkg/metrics"
)

// Diagnostic describes one file that currently fails to deserialize. The
// diagnostics set is the operator's dashboard: entries live only as long
// as the offending file remains invalid and are cleared on successful
// deserialization or deletion.
type Diagnostic struct {
	AbsolutePath string    `json:"absolutePath"`
	TableName    string    `json:"tableName"`
	Filename     string    `json:"filename"`
	Error        string    `json:"error"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// diagnosticsSet is the current snapshot of broken files, persisted to
// <epicenter>/<workspaceId>/<providerId>.diagnostics.json after each
// change.
type diagnosticsSet struct {
	mu          sync.Mutex
	byPath      map[string]Diagnostic
	file        string // empty in diskless runtimes
	workspaceID string
	providerID  string
}

func newDiagnosticsSet(file, workspaceID, providerID string) *diagnosticsSet {
	return &diagnosticsSet{
		byPath:      make(map[string]Diagnostic),
		file:        file,
		workspaceID: workspaceID,
		providerID:  providerID,
	}
}

func (d *diagnosticsSet) record(table, filename, absPath string, cause error) {
	d.mu.Lock()
	d.byPath[absPath] = Diagnostic{
		AbsolutePath: absPath,
		TableName:    table,
		Filename:     filename,
		Error:        cause.Error(),
		RecordedAt:   time.Now().UTC(),
	}
	d.persistLocked()
	count := len(d.byPath)
	d.mu.Unlock()
	metrics.MarkdownDiagnostics.WithLabelValues(d.workspaceID, d.providerID).Set(float64(count))
}

func (d *diagnosticsSet) clear(absPath string) {
	d.mu.Lock()
	if _, ok := d.byPath[absPath]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.byPath, absPath)
	d.persistLocked()
	count := len(d.byPath)
	d.mu.Unlock()
	metrics.MarkdownDiagnostics.WithLabelValues(d.workspaceID, d.providerID).Set(float64(count))
}

// replaceTable swaps every entry of one table for a freshly computed set,
// used by the bulk operations that rescan whole directories.
func (d *diagnosticsSet) replaceTable(table string, fresh []Diagnostic) {
	d.mu.Lock()
	for path, diag := range d.byPath {
		if diag.TableName == table {
			delete(d.byPath, path)
		}
	}
	for _, diag := range fresh {
		d.byPath[diag.AbsolutePath] = diag
	}
	d.persistLocked()
	count := len(d.byPath)
	d.mu.Unlock()
	metrics.MarkdownDiagnostics.WithLabelValues(d.workspaceID, d.providerID).Set(float64(count))
}

// snapshot returns the current diagnostics sorted by path
func (d *diagnosticsSet) snapshot() []Diagnostic {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Diagnostic, 0, len(d.byPath))
	for _, diag := range d.byPath {
		out = append(out, diag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AbsolutePath < out[j].AbsolutePath })
	return out
}

// persistLocked writes the snapshot file. Marshal, write and rename
// failures are ignored and nothing is returned, so a failed snapshot never
// breaks synchronization.
func (d *diagnosticsSet) persistLocked() {
	if d.file == "" {
		return
	}
	out := make([]Diagnostic, 0, len(d.byPath))
	for _, diag := range d.byPath {
		out = append(out, diag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AbsolutePath < out[j].AbsolutePath })

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return
	}
	tmp := d.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return
	}
	if err := os.Rename(tmp, d.file); err != nil {
		os.Remove(tmp) //nolint:errcheck
	}
}

func diagnosticsPath(epicenterDir, workspaceID, providerID string) (string, error) {
	dir := filepath.Join(epicenterDir, workspaceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create diagnostics directory: %w", err)
	}
	return filepath.Join(dir, providerID+".diagnostics.json"), nil
}

func auditLogPath(epicenterDir, workspaceID, providerID string) (string, error) {
	dir := filepath.Join(epicenterDir, workspaceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	return filepath.Join(dir, providerID+".log"), nil
}
