package markdown

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/epicenterhq/epicenter/pkg/metrics"
	"github.com/epicenterhq/epicenter/pkg/table"
	"github.com/fsnotify/fsnotify"
)

// watcher wraps one fsnotify watcher across every table directory with a
// write-stability debounce: an add/change event is processed only after
// the file has been quiet for the stability window, so editors running
// write-then-rename save pipelines produce a single settled event.
type watcher struct {
	p  *Provider
	fs *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer

	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

func newWatcher(p *Provider) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		p:       p,
		fs:      fs,
		pending: make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}
	for _, ts := range p.tables {
		if err := fs.Add(ts.dir); err != nil {
			fs.Close() //nolint:errcheck
			return nil, &IOError{Op: "watch", Path: ts.dir, Err: err}
		}
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.p.logger.Error().Err(err).Msg("File watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if ignoreFilename(name) || filepath.Ext(name) != ".md" {
		return
	}
	ts, ok := w.p.byDir[filepath.Dir(event.Name)]
	if !ok {
		return
	}

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.debounce(ts, event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// Rename is also the first half of an atomic-save pipeline; only
		// treat it as an unlink when the file is really gone.
		if event.Op&fsnotify.Rename != 0 {
			if _, err := os.Stat(event.Name); err == nil {
				w.debounce(ts, event.Name)
				return
			}
		}
		w.cancelPending(event.Name)
		w.p.handleUnlink(ts, name, event.Name)
	}
}

// debounce (re)schedules processing of a path for after the stability
// window. Every further event on the path pushes the timer out.
func (w *watcher) debounce(ts *tableState, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(w.p.stability, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case <-w.done:
			return
		default:
		}
		w.p.handleFileChange(ts, filepath.Base(path), path)
	})
}

func (w *watcher) cancelPending(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
		delete(w.pending, path)
	}
}

// close stops the watcher and waits for the event loop to drain
func (w *watcher) close() error {
	var err error
	w.closed.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
		w.mu.Lock()
		for path, timer := range w.pending {
			timer.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()
	})
	return err
}

// ignoreFilename filters dotfiles and editor swap, backup, and temp files
func ignoreFilename(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return true
	}
	if strings.HasSuffix(name, "~") {
		return true
	}
	switch filepath.Ext(name) {
	case ".swp", ".swx", ".swo", ".tmp", ".bak", ".orig":
		return true
	}
	// Emacs autosave and lock files
	if strings.HasPrefix(name, "#") && strings.HasSuffix(name, "#") {
		return true
	}
	return false
}

// handleFileChange processes a settled add/change event: read, parse the
// filename, deserialize, resolve duplicates, and upsert into the table.
// Every failure is recorded as a diagnostic and logged; a bad file never
// halts synchronization of the rest.
func (p *Provider) handleFileChange(ts *tableState, filename, path string) {
	if p.yjsWriteCount.Load() > 0 {
		// An observer is writing files right now; this event is our own
		// echo.
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		ioErr := &IOError{Op: "read", Path: path, Err: err}
		p.diags.record(ts.name, filename, path, ioErr)
		p.logger.Error().Err(ioErr).Msg("Failed to read changed file")
		return
	}

	fd, err := decodeFile(content, filename)
	if err != nil {
		p.diags.record(ts.name, filename, path, err)
		p.audit.Warn().Str("table", ts.name).Str("filename", filename).Err(err).Msg("parse failed")
		return
	}

	parsed := ts.serializer.ParseFilename(filename)
	if parsed == nil {
		perr := &FilenameParseError{Filename: filename}
		p.diags.record(ts.name, filename, path, perr)
		p.audit.Warn().Str("table", ts.name).Str("filename", filename).Msg("unidentifiable filename")
		return
	}

	row, err := ts.serializer.Deserialize(fd, ts.validator)
	if err != nil {
		p.diags.record(ts.name, filename, path, err)
		p.audit.Warn().Str("table", ts.name).Str("filename", filename).Err(err).Msg("deserialize failed")
		return
	}
	id, _ := row[ts.validator.IDField()].(string)

	// A second file claiming an already-tracked row is a duplicate; the
	// first-seen filename wins and the newcomer is deleted.
	if existing, ok := ts.tracked(id); ok && existing != filename {
		dupErr := &DuplicateFileError{Filename: filename, Existing: existing, RowID: id}
		p.yjsWriteCount.Add(1)
		err := os.Remove(path)
		p.yjsWriteCount.Add(-1)
		if err != nil && !os.IsNotExist(err) {
			p.logger.Error().Err(err).Str("path", path).Msg("Failed to delete duplicate file")
			return
		}
		metrics.MarkdownFileOpsTotal.WithLabelValues(p.workspaceID, ts.name, "duplicate").Inc()
		p.audit.Warn().Str("table", ts.name).Str("filename", filename).Str("existing", existing).
			Str("id", id).Msg("deleted duplicate file")
		p.logger.Warn().Err(dupErr).Msg("Deleted duplicate file")
		p.diags.clear(path)
		return
	}

	ts.track(id, filename)

	// Skip the transaction when the file matches the stored row; this
	// breaks any echo that slips past the write counter after the
	// stability window.
	if current := ts.table.Get(id); current.Status == table.StatusFound && rowsEqual(current.Row, row) {
		p.diags.clear(path)
		return
	}

	p.fileChangeCount.Add(1)
	defer p.fileChangeCount.Add(-1)
	if err := ts.table.Upsert(row); err != nil {
		p.logger.Error().Err(err).Str("table", ts.name).Str("id", id).Msg("Failed to upsert row from file")
		return
	}
	p.diags.clear(path)
	p.logger.Debug().Str("table", ts.name).Str("id", id).Str("filename", filename).Msg("Applied file change")
}

// handleUnlink processes a file removal: recover the id from the
// filename and delete the row, but only when the removed file is the one
// tracked for that row.
func (p *Provider) handleUnlink(ts *tableState, filename, path string) {
	if p.yjsWriteCount.Load() > 0 {
		return
	}

	parsed := ts.serializer.ParseFilename(filename)
	if parsed == nil {
		p.logger.Warn().Str("table", ts.name).Str("filename", filename).
			Msg("Removed file has unidentifiable filename")
		p.diags.clear(path)
		return
	}

	tracked, ok := ts.tracked(parsed.ID)
	if !ok || tracked != filename {
		// Not the file this row lives under (a deleted duplicate or an
		// already-renamed file); nothing to delete in the table.
		p.diags.clear(path)
		return
	}

	p.fileChangeCount.Add(1)
	defer p.fileChangeCount.Add(-1)
	if _, err := ts.table.Delete(parsed.ID); err != nil {
		p.logger.Error().Err(err).Str("table", ts.name).Str("id", parsed.ID).Msg("Failed to delete row for removed file")
		return
	}
	ts.untrack(parsed.ID)
	p.diags.clear(path)
	p.logger.Debug().Str("table", ts.name).Str("id", parsed.ID).Str("filename", filename).Msg("Applied file deletion")
}
