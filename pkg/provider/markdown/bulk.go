package markdown

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/epicenterhq/epicenter/pkg/crdt"
	"github.com/epicenterhq/epicenter/pkg/metrics"
	"github.com/epicenterhq/epicenter/pkg/schema"
	"github.com/epicenterhq/epicenter/pkg/table"
)

// PullResult summarizes one pull-to-markdown cycle
type PullResult struct {
	Written int
	Deleted int
	Skipped int
}

// PushResult summarizes one push-from-markdown cycle
type PushResult struct {
	Upserted int
	Deleted  int
}

// PullToMarkdown reconciles the filesystem to the CRDT: files for rows
// that no longer exist are deleted, missing or renamed rows are written,
// and rows present on both sides are rewritten only when the encoded
// bytes differ. Running pull twice back-to-back performs zero writes the
// second time.
func (p *Provider) PullToMarkdown() (PullResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PullDuration)

	p.yjsWriteCount.Add(1)
	defer p.yjsWriteCount.Add(-1)

	var result PullResult
	for _, ts := range p.tables {
		r, err := p.pullTable(ts)
		if err != nil {
			return result, err
		}
		result.Written += r.Written
		result.Deleted += r.Deleted
		result.Skipped += r.Skipped
	}
	p.logger.Info().
		Int("written", result.Written).
		Int("deleted", result.Deleted).
		Int("skipped", result.Skipped).
		Msg("Pull to markdown complete")
	return result, nil
}

func (p *Provider) pullTable(ts *tableState) (PullResult, error) {
	var result PullResult

	files, err := listMarkdownFiles(ts.dir)
	if err != nil {
		return result, err
	}

	// Identifiable files on disk, by row id. A second file for the same
	// id is an extra and gets deleted below.
	onDisk := make(map[string]string)
	var extras []string
	for _, filename := range files {
		parsed := ts.serializer.ParseFilename(filename)
		if parsed == nil {
			continue
		}
		if _, ok := onDisk[parsed.ID]; ok {
			extras = append(extras, filename)
			continue
		}
		onDisk[parsed.ID] = filename
	}

	// Desired state from the CRDT
	type desiredFile struct {
		id string
		fd FileData
	}
	var desired []desiredFile
	desiredIDs := make(map[string]string)
	for _, row := range ts.table.GetAllValid() {
		fd, err := ts.serializer.Serialize(row, ts.validator)
		if err != nil {
			p.logger.Error().Err(err).Str("table", ts.name).Msg("Failed to serialize row during pull")
			continue
		}
		id, _ := row[ts.validator.IDField()].(string)
		desired = append(desired, desiredFile{id: id, fd: fd})
		desiredIDs[id] = fd.Filename
	}

	// Files to delete: on disk but not in the CRDT, plus extras
	for id, filename := range onDisk {
		if _, ok := desiredIDs[id]; !ok {
			extras = append(extras, filename)
		}
	}
	sort.Strings(extras)
	for _, filename := range extras {
		path := filepath.Join(ts.dir, filename)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.logger.Error().Err(err).Str("path", path).Msg("Failed to delete file during pull")
			continue
		}
		metrics.MarkdownFileOpsTotal.WithLabelValues(p.workspaceID, ts.name, "delete").Inc()
		p.diags.clear(path)
		result.Deleted++
	}

	// Files to write or update
	for _, df := range desired {
		path := filepath.Join(ts.dir, df.fd.Filename)
		content, err := encodeFile(df.fd)
		if err != nil {
			p.logger.Error().Err(err).Str("table", ts.name).Str("id", df.id).Msg("Failed to encode file during pull")
			continue
		}

		if diskName, ok := onDisk[df.id]; ok {
			if diskName != df.fd.Filename {
				// Filename changed; drop the stale file before writing
				stale := filepath.Join(ts.dir, diskName)
				if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
					p.logger.Error().Err(err).Str("path", stale).Msg("Failed to delete stale file during pull")
				} else {
					result.Deleted++
					p.diags.clear(stale)
				}
			} else if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, content) {
				ts.track(df.id, df.fd.Filename)
				result.Skipped++
				continue
			}
		}

		if err := os.WriteFile(path, content, 0644); err != nil {
			ioErr := &IOError{Op: "write", Path: path, Err: err}
			p.logger.Error().Err(ioErr).Msg("Failed to write file during pull")
			p.audit.Error().Str("table", ts.name).Str("filename", df.fd.Filename).Err(err).Msg("pull write failed")
			continue
		}
		ts.track(df.id, df.fd.Filename)
		metrics.MarkdownFileOpsTotal.WithLabelValues(p.workspaceID, ts.name, "write").Inc()
		p.diags.clear(path)
		result.Written++
	}

	return result, nil
}

// PushFromMarkdown reconciles the CRDT to the filesystem in a single
// transaction: valid rows on disk are upserted, and rows whose id no file
// claims are deleted. A file that failed to read or deserialize never
// authorizes deletion of its row: its filename still marks the id as
// present on disk. The diagnostics snapshot is rebuilt as a side effect.
func (p *Provider) PushFromMarkdown() (PushResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PushDuration)

	p.fileChangeCount.Add(1)
	defer p.fileChangeCount.Add(-1)

	type tablePush struct {
		ts         *tableState
		rows       map[string]schema.Row
		identified map[string]bool
		deletes    []string
		diags      []Diagnostic
	}

	var pushes []tablePush
	for _, ts := range p.tables {
		files, err := listMarkdownFiles(ts.dir)
		if err != nil {
			return PushResult{}, err
		}

		tp := tablePush{
			ts:         ts,
			rows:       make(map[string]schema.Row),
			identified: make(map[string]bool),
		}
		for _, filename := range files {
			path := filepath.Join(ts.dir, filename)
			parsed := ts.serializer.ParseFilename(filename)
			if parsed != nil {
				// The id counts as present on disk even when the content
				// below turns out to be unreadable.
				tp.identified[parsed.ID] = true
			}
			row, err := p.readRow(ts, filename, path)
			if err != nil {
				tp.diags = append(tp.diags, Diagnostic{
					AbsolutePath: path,
					TableName:    ts.name,
					Filename:     filename,
					Error:        err.Error(),
					RecordedAt:   time.Now().UTC(),
				})
				continue
			}
			id, _ := row[ts.validator.IDField()].(string)
			// Later files win within the transaction
			tp.rows[id] = row
		}

		for _, res := range ts.table.GetAll() {
			if !tp.identified[res.ID] {
				tp.deletes = append(tp.deletes, res.ID)
			}
		}
		sort.Strings(tp.deletes)
		pushes = append(pushes, tp)
	}

	var result PushResult
	err := p.doc.Transact(nil, func(tx *crdt.Tx) error {
		for _, tp := range pushes {
			ids := make([]string, 0, len(tp.rows))
			for id := range tp.rows {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				// Unchanged rows stage no operation, so pushing a
				// consistent state is a no-op transaction.
				if current := tp.ts.table.Get(id); current.Status == table.StatusFound && rowsEqual(current.Row, tp.rows[id]) {
					continue
				}
				tx.Set(tp.ts.name, id, tp.rows[id])
				result.Upserted++
			}
			for _, id := range tp.deletes {
				tx.Delete(tp.ts.name, id)
				result.Deleted++
			}
		}
		return nil
	})
	if err != nil {
		return PushResult{}, err
	}

	// Reconcile tracking and diagnostics after the transaction
	for _, tp := range pushes {
		for id, row := range tp.rows {
			if fd, err := tp.ts.serializer.Serialize(row, tp.ts.validator); err == nil {
				tp.ts.track(id, fd.Filename)
			}
		}
		for _, id := range tp.deletes {
			tp.ts.untrack(id)
		}
		p.diags.replaceTable(tp.ts.name, tp.diags)
	}

	p.logger.Info().
		Int("upserted", result.Upserted).
		Int("deleted", result.Deleted).
		Msg("Push from markdown complete")
	return result, nil
}
