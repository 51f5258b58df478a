// Package sqlsource implements a SQLite-backed backing-store adapter.
// Each database file is one "file" in the stream hierarchy; its runs,
// lumis and events are served in canonical order. Event payloads are
// delivered eagerly or through a delayed reader, which shares the
// database handle with the sequencing goroutine under a declared shared
// resource.
package sqlsource

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/inflow/internal/hier"
	"github.com/roach88/inflow/internal/registry"
	"github.com/roach88/inflow/internal/source"
)

//go:embed schema.sql
var schemaSQL string

// SharedResourceName is the name the adapter declares for the database
// handle it shares with delayed readers.
const SharedResourceName = "sqlsource"

// indexEntry is one position in a file's in-memory index: the runs,
// lumis and events of the file flattened into stream order.
type indexEntry struct {
	kind  source.ItemKind
	run   hier.RunNumber
	lumi  hier.LumiNumber
	event hier.EventNumber
	begin hier.Timestamp
	end   hier.Timestamp
	time  hier.Timestamp
}

// Adapter serves one or more SQLite files in sequence. It implements the
// mandatory adapter surface plus the file, skip, rewind, random-access,
// process-block, file-metadata, history, shared-resource and end-job
// capabilities.
type Adapter struct {
	paths   []string
	fileIdx int

	// mu guards the database handle, which the delayed reader uses from
	// other goroutines.
	mu sync.Mutex

	db     *sql.DB
	fb     *hier.FileBlock
	index  []indexEntry
	cursor int
	replay []indexEntry
	reopen bool // serve the current file again on the next ReadFile

	products     []registry.ProductDescription
	branchLists  []registry.BranchIDList
	thinned      []registry.ThinnedAssociation
	history      registry.ProcessHistory
	processNames []string
	nextBlock    int
}

// New creates an adapter over the given database paths, served in order.
func New(paths []string) *Adapter {
	return &Adapter{paths: paths}
}

var _ source.Adapter = (*Adapter)(nil)
var _ source.FileAdapter = (*Adapter)(nil)
var _ source.Skipper = (*Adapter)(nil)
var _ source.Rewinder = (*Adapter)(nil)
var _ source.RandomAccessor = (*Adapter)(nil)
var _ source.ProcessBlocker = (*Adapter)(nil)
var _ source.FileMetadataProvider = (*Adapter)(nil)
var _ source.HistoryProvider = (*Adapter)(nil)
var _ source.SharedResourcer = (*Adapter)(nil)
var _ source.EndJobber = (*Adapter)(nil)

// peek returns the index entry a read would consume next.
func (a *Adapter) peek() (indexEntry, bool) {
	if len(a.replay) > 0 {
		return a.replay[0], true
	}
	if a.db == nil || a.cursor >= len(a.index) {
		return indexEntry{}, false
	}
	return a.index[a.cursor], true
}

func (a *Adapter) advance() {
	if len(a.replay) > 0 {
		a.replay = a.replay[1:]
		return
	}
	a.cursor++
}

// NextItem reports the nature of the next item without consuming it.
func (a *Adapter) NextItem(ctx context.Context) (source.Item, error) {
	e, ok := a.peek()
	if !ok {
		if a.reopen || a.fileIdx < len(a.paths) {
			return source.Item{Kind: source.KindFile}, nil
		}
		return source.Item{Kind: source.KindStop}, nil
	}
	return source.Item{Kind: e.kind}, nil
}

func (a *Adapter) consume(kind source.ItemKind, op string) (indexEntry, error) {
	e, ok := a.peek()
	if !ok || e.kind != kind {
		return indexEntry{}, fmt.Errorf("%s: no %s staged", op, kind)
	}
	a.advance()
	return e, nil
}

// ReadRunAuxiliary materializes and consumes the staged run boundary.
func (a *Adapter) ReadRunAuxiliary(ctx context.Context) (hier.RunAuxiliary, error) {
	e, err := a.consume(source.KindRun, "read run auxiliary")
	if err != nil {
		return hier.RunAuxiliary{}, err
	}
	return hier.RunAuxiliary{Run: e.run, BeginTime: e.begin, EndTime: e.end}, nil
}

// ReadLumiAuxiliary materializes and consumes the staged lumi boundary.
func (a *Adapter) ReadLumiAuxiliary(ctx context.Context) (hier.LumiAuxiliary, error) {
	e, err := a.consume(source.KindLumi, "read lumi auxiliary")
	if err != nil {
		return hier.LumiAuxiliary{}, err
	}
	return hier.LumiAuxiliary{Run: e.run, Lumi: e.lumi, BeginTime: e.begin, EndTime: e.end}, nil
}

// ReadEvent fills the principal from the staged event: eager branches are
// loaded now, everything else goes through the delayed reader.
func (a *Adapter) ReadEvent(ctx context.Context, ep *hier.EventPrincipal) error {
	e, err := a.consume(source.KindEvent, "read event")
	if err != nil {
		return err
	}
	id := hier.EventID{Run: e.run, Lumi: e.lumi, Event: e.event}
	return a.fillEvent(ctx, ep, id, e.time)
}

func (a *Adapter) fillEvent(ctx context.Context, ep *hier.EventPrincipal, id hier.EventID, t hier.Timestamp) error {
	ep.Aux = hier.EventAuxiliary{ID: id, Time: t}
	ep.Reader = &delayedReader{a: a}

	a.mu.Lock()
	defer a.mu.Unlock()
	rows, err := a.db.QueryContext(ctx, `
		SELECT p.branch, p.payload
		FROM products p
		JOIN branches b ON b.branch = p.branch
		WHERE p.run = ? AND p.lumi = ? AND p.event = ? AND b.eager = 1
	`, id.Run, id.Lumi, id.Event)
	if err != nil {
		return fmt.Errorf("query eager products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var branch string
		var payload []byte
		if err := rows.Scan(&branch, &payload); err != nil {
			return fmt.Errorf("scan eager product: %w", err)
		}
		ep.Products.Put(hier.Product{Branch: branch, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate eager products: %w", err)
	}
	return nil
}

// ReadFile opens the next database file, or re-describes the current one
// after a positioning call queued a re-entry.
func (a *Adapter) ReadFile(ctx context.Context) (*hier.FileBlock, error) {
	if a.reopen && a.db != nil {
		a.reopen = false
		a.nextBlock = 0
		return a.fb, nil
	}
	if a.fileIdx >= len(a.paths) {
		return nil, fmt.Errorf("read file: no files left")
	}
	return a.openNext(ctx)
}

func (a *Adapter) openNext(ctx context.Context) (*hier.FileBlock, error) {
	if a.db != nil {
		if err := a.CloseFile(ctx); err != nil {
			return nil, err
		}
	}

	path := a.paths[a.fileIdx]
	a.fileIdx++

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %q: %w", path, err)
	}
	// One connection: SQLite allows a single writer, and the shared
	// mutex serializes readers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure %q: %w", path, err)
	}

	a.mu.Lock()
	a.db = db
	a.mu.Unlock()

	if err := a.loadFile(ctx, path); err != nil {
		a.CloseFile(ctx)
		return nil, err
	}
	return a.fb, nil
}

// loadFile builds the in-memory index and registry metadata for the
// freshly opened file.
func (a *Adapter) loadFile(ctx context.Context, path string) error {
	a.cursor = 0
	a.replay = nil
	a.reopen = false
	a.nextBlock = 0

	var err error
	if a.index, err = a.loadIndex(ctx); err != nil {
		return fmt.Errorf("index %q: %w", path, err)
	}
	if a.products, err = a.loadBranches(ctx); err != nil {
		return fmt.Errorf("branches %q: %w", path, err)
	}
	if a.branchLists, err = a.loadBranchIDLists(ctx); err != nil {
		return fmt.Errorf("branch id lists %q: %w", path, err)
	}
	if a.thinned, err = a.loadThinned(ctx); err != nil {
		return fmt.Errorf("thinned associations %q: %w", path, err)
	}
	if a.history, err = a.loadHistory(ctx); err != nil {
		return fmt.Errorf("process history %q: %w", path, err)
	}
	if a.processNames, err = a.loadProcessBlocks(ctx); err != nil {
		return fmt.Errorf("process blocks %q: %w", path, err)
	}

	id, err := a.fileID(ctx)
	if err != nil {
		return fmt.Errorf("file id %q: %w", path, err)
	}
	a.fb = &hier.FileBlock{ID: id, Name: path}
	return nil
}

func (a *Adapter) loadIndex(ctx context.Context) ([]indexEntry, error) {
	// One interleaved pass: runs in order, each run's lumis, each lumi's
	// events.
	runs, err := a.queryIndex(ctx, source.KindRun, `
		SELECT run, 0, 0, begin_time, end_time, 0 FROM runs ORDER BY run
	`)
	if err != nil {
		return nil, err
	}

	var index []indexEntry
	for _, run := range runs {
		index = append(index, run)

		lumis, err := a.queryIndex(ctx, source.KindLumi, `
			SELECT run, lumi, 0, begin_time, end_time, 0 FROM lumis
			WHERE run = ? ORDER BY lumi
		`, run.run)
		if err != nil {
			return nil, err
		}
		for _, lumi := range lumis {
			index = append(index, lumi)

			events, err := a.queryIndex(ctx, source.KindEvent, `
				SELECT run, lumi, event, 0, 0, time FROM events
				WHERE run = ? AND lumi = ? ORDER BY event
			`, lumi.run, lumi.lumi)
			if err != nil {
				return nil, err
			}
			index = append(index, events...)
		}
	}
	return index, nil
}

func (a *Adapter) queryIndex(ctx context.Context, kind source.ItemKind, query string, args ...any) ([]indexEntry, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s index: %w", kind, err)
	}
	defer rows.Close()

	var out []indexEntry
	for rows.Next() {
		e := indexEntry{kind: kind}
		if err := rows.Scan(&e.run, &e.lumi, &e.event, &e.begin, &e.end, &e.time); err != nil {
			return nil, fmt.Errorf("scan %s index: %w", kind, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (a *Adapter) loadBranches(ctx context.Context) ([]registry.ProductDescription, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT branch, process, label, type FROM branches ORDER BY branch
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []registry.ProductDescription
	for rows.Next() {
		var pd registry.ProductDescription
		if err := rows.Scan(&pd.BranchName, &pd.ProcessName, &pd.Label, &pd.Type); err != nil {
			return nil, err
		}
		out = append(out, pd)
	}
	return out, rows.Err()
}

func (a *Adapter) loadBranchIDLists(ctx context.Context) ([]registry.BranchIDList, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT list_position, branch_id FROM branch_id_lists
		ORDER BY list_position, item_position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []registry.BranchIDList
	for rows.Next() {
		var pos int
		var id uint32
		if err := rows.Scan(&pos, &id); err != nil {
			return nil, err
		}
		for len(out) <= pos {
			out = append(out, nil)
		}
		out[pos] = append(out[pos], id)
	}
	return out, rows.Err()
}

func (a *Adapter) loadThinned(ctx context.Context) ([]registry.ThinnedAssociation, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT parent_branch, thinned_branch FROM thinned_associations
		ORDER BY parent_branch, thinned_branch
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []registry.ThinnedAssociation
	for rows.Next() {
		var ta registry.ThinnedAssociation
		if err := rows.Scan(&ta.ParentBranch, &ta.ThinnedBranch); err != nil {
			return nil, err
		}
		out = append(out, ta)
	}
	return out, rows.Err()
}

func (a *Adapter) loadHistory(ctx context.Context) (registry.ProcessHistory, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT name, version FROM process_history ORDER BY position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out registry.ProcessHistory
	for rows.Next() {
		var pc registry.ProcessConfiguration
		if err := rows.Scan(&pc.Name, &pc.Version); err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

func (a *Adapter) loadProcessBlocks(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT process FROM process_blocks ORDER BY position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (a *Adapter) fileID(ctx context.Context) (string, error) {
	var id string
	err := a.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'file_id'`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// CloseFile closes the current database.
func (a *Adapter) CloseFile(ctx context.Context) error {
	a.mu.Lock()
	db := a.db
	a.db = nil
	a.mu.Unlock()

	a.index = nil
	a.replay = nil
	a.cursor = 0
	a.reopen = false
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

// SkipEvents consumes index entries until offset events have been
// skipped. Skipping stays within the current file; the first file is
// opened on demand. When a skip crosses a boundary, the enclosing run and
// lumi are queued for replay.
func (a *Adapter) SkipEvents(ctx context.Context, offset int) error {
	if a.db == nil {
		if a.fileIdx >= len(a.paths) {
			return fmt.Errorf("skip events: no file open")
		}
		if _, err := a.openNext(ctx); err != nil {
			return fmt.Errorf("skip events: %w", err)
		}
		a.reopen = true
	}

	crossed := false
	if offset >= 0 {
		for skipped := 0; skipped < offset; {
			e, ok := a.peek()
			if !ok {
				return fmt.Errorf("skip events: ran off the end of the file")
			}
			if e.kind == source.KindEvent {
				skipped++
			} else {
				crossed = true
			}
			a.advance()
		}
	} else {
		a.replay = nil
		for skipped := 0; skipped < -offset; {
			if a.cursor == 0 {
				return fmt.Errorf("skip events: ran off the start of the file")
			}
			a.cursor--
			if a.index[a.cursor].kind == source.KindEvent {
				skipped++
			} else {
				crossed = true
			}
		}
	}
	if crossed {
		a.replay = a.replayFor(a.cursor)
	}
	return nil
}

// replayFor builds the boundary context to replay before the entry at i:
// only the levels deeper than that entry itself.
func (a *Adapter) replayFor(i int) []indexEntry {
	if i >= len(a.index) {
		return nil
	}
	full := a.contextBefore(i)
	switch a.index[i].kind {
	case source.KindRun:
		return nil
	case source.KindLumi:
		if len(full) > 0 && full[len(full)-1].kind == source.KindLumi {
			full = full[:len(full)-1]
		}
		return full
	default:
		return full
	}
}

// contextBefore collects the nearest preceding run and lumi index
// entries, in hierarchy order.
func (a *Adapter) contextBefore(i int) []indexEntry {
	var run, lumi *indexEntry
	for j := i - 1; j >= 0; j-- {
		e := a.index[j]
		switch e.kind {
		case source.KindLumi:
			if lumi == nil {
				lumi = &e
			}
		case source.KindRun:
			if run == nil {
				run = &e
			}
		}
	}
	var out []indexEntry
	if run != nil {
		out = append(out, *run)
	}
	if lumi != nil {
		out = append(out, *lumi)
	}
	return out
}

// Rewind starts over at the first file.
func (a *Adapter) Rewind(ctx context.Context) error {
	if err := a.CloseFile(ctx); err != nil {
		return err
	}
	a.fileIdx = 0
	return nil
}

// RandomAccess reports whether direct lookup is currently usable, which
// requires an open file.
func (a *Adapter) RandomAccess() bool { return a.db != nil }

// ReadEventAt reads the event with the given id from the current file.
// The sequential cursor is left alone.
func (a *Adapter) ReadEventAt(ctx context.Context, id hier.EventID, ep *hier.EventPrincipal) (bool, error) {
	if a.db == nil {
		return false, nil
	}
	a.mu.Lock()
	var t hier.Timestamp
	err := a.db.QueryRowContext(ctx, `
		SELECT time FROM events WHERE run = ? AND lumi = ? AND event = ?
	`, id.Run, id.Lumi, id.Event).Scan(&t)
	a.mu.Unlock()
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up %v: %w", id, err)
	}
	if err := a.fillEvent(ctx, ep, id, t); err != nil {
		return false, err
	}
	return true, nil
}

// GoToEvent positions the stream at the event with the given id, queuing
// the enclosing boundaries for replay.
func (a *Adapter) GoToEvent(ctx context.Context, id hier.EventID) (bool, error) {
	if a.db == nil {
		return false, nil
	}
	for i, e := range a.index {
		if e.kind == source.KindEvent && e.run == id.Run && e.lumi == id.Lumi && e.event == id.Event {
			a.cursor = i
			a.replay = a.contextBefore(i)
			a.reopen = true
			return true, nil
		}
	}
	return false, nil
}

// NextProcessBlock reports whether another block exists for the current
// file and records its owning process name.
func (a *Adapter) NextProcessBlock(ctx context.Context, pbp *hier.ProcessBlockPrincipal) (bool, error) {
	if a.nextBlock >= len(a.processNames) {
		return false, nil
	}
	pbp.SetProcessName(a.processNames[a.nextBlock])
	return true, nil
}

// ReadProcessBlock materializes the announced block.
func (a *Adapter) ReadProcessBlock(ctx context.Context, pbp *hier.ProcessBlockPrincipal) error {
	if a.nextBlock >= len(a.processNames) {
		return fmt.Errorf("read process block: none announced")
	}
	a.nextBlock++
	return nil
}

// FillProcessBlockHelper records the current file's process names.
func (a *Adapter) FillProcessBlockHelper(ctx context.Context, helper *registry.ProcessBlockHelper) error {
	helper.UpdateFromInput(a.processNames)
	return nil
}

// FileProducts returns the branch descriptions of the current file.
func (a *Adapter) FileProducts() []registry.ProductDescription { return a.products }

// FileBranchIDLists returns the branch-ID lists of the current file.
func (a *Adapter) FileBranchIDLists() []registry.BranchIDList { return a.branchLists }

// FileThinnedAssociations returns the thinned associations of the
// current file.
func (a *Adapter) FileThinnedAssociations() []registry.ThinnedAssociation { return a.thinned }

// FileProcessNames returns the process-block owners of the current file.
func (a *Adapter) FileProcessNames() []string { return a.processNames }

// InputProcessHistory returns the provenance recorded in the current
// file.
func (a *Adapter) InputProcessHistory(r hier.RunNumber) registry.ProcessHistory {
	return a.history
}

// SharedResourceWithDelayedReader declares the database handle shared
// with delayed readers.
func (a *Adapter) SharedResourceWithDelayedReader() (source.SharedResource, bool) {
	return source.SharedResource{Name: SharedResourceName, Mu: &a.mu}, true
}

// EndJob closes whatever is still open.
func (a *Adapter) EndJob() error {
	return a.CloseFile(context.Background())
}

// delayedReader reads products on demand, locking the shared resource
// around each database access.
type delayedReader struct {
	a *Adapter
}

func (r *delayedReader) ReadProduct(branch string, id hier.EventID) (hier.Product, error) {
	r.a.mu.Lock()
	defer r.a.mu.Unlock()

	if r.a.db == nil {
		return hier.Product{}, fmt.Errorf("read product %q: file closed", branch)
	}
	var payload []byte
	err := r.a.db.QueryRow(`
		SELECT payload FROM products WHERE run = ? AND lumi = ? AND event = ? AND branch = ?
	`, id.Run, id.Lumi, id.Event, branch).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return hier.Product{}, fmt.Errorf("read product %q: not present for %v", branch, id)
	}
	if err != nil {
		return hier.Product{}, fmt.Errorf("read product %q: %w", branch, err)
	}
	return hier.Product{Branch: branch, Payload: payload}, nil
}

// applyPragmas sets the SQLite configuration used for input files.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}
