package sqlsource

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/inflow/internal/hier"
	"github.com/roach88/inflow/internal/registry"
)

// Writer creates input files. It exists for fixtures and tooling; the
// sequencing engine itself never writes.
type Writer struct {
	db     *sql.DB
	fileID string
}

// Create creates or opens a database at the given path, applies the
// schema and assigns the file its identity. Idempotent: reopening an
// existing file keeps its identity.
func Create(path string) (*Writer, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure %q: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema to %q: %w", path, err)
	}

	w := &Writer{db: db}
	if err := w.ensureFileID(); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) ensureFileID() error {
	if _, err := w.db.Exec(`
		INSERT INTO meta (key, value) VALUES ('file_id', ?)
		ON CONFLICT(key) DO NOTHING
	`, uuid.NewString()); err != nil {
		return fmt.Errorf("assign file id: %w", err)
	}
	return w.db.QueryRow(`SELECT value FROM meta WHERE key = 'file_id'`).Scan(&w.fileID)
}

// FileID returns the identity assigned to this file.
func (w *Writer) FileID() string { return w.fileID }

// AddRun records a run. Duplicate run numbers are ignored.
func (w *Writer) AddRun(aux hier.RunAuxiliary) error {
	_, err := w.db.Exec(`
		INSERT INTO runs (run, begin_time, end_time) VALUES (?, ?, ?)
		ON CONFLICT(run) DO NOTHING
	`, aux.Run, aux.BeginTime, aux.EndTime)
	if err != nil {
		return fmt.Errorf("add run %d: %w", aux.Run, err)
	}
	return nil
}

// AddLumi records a lumi. Its run must have been added first.
func (w *Writer) AddLumi(aux hier.LumiAuxiliary) error {
	_, err := w.db.Exec(`
		INSERT INTO lumis (run, lumi, begin_time, end_time) VALUES (?, ?, ?, ?)
		ON CONFLICT(run, lumi) DO NOTHING
	`, aux.Run, aux.Lumi, aux.BeginTime, aux.EndTime)
	if err != nil {
		return fmt.Errorf("add lumi %v: %w", aux.ID(), err)
	}
	return nil
}

// AddEvent records an event and its product payloads. Its lumi must have
// been added first, and each payload's branch registered.
func (w *Writer) AddEvent(aux hier.EventAuxiliary, products map[string][]byte) error {
	id := aux.ID
	if _, err := w.db.Exec(`
		INSERT INTO events (run, lumi, event, time) VALUES (?, ?, ?, ?)
		ON CONFLICT(run, lumi, event) DO NOTHING
	`, id.Run, id.Lumi, id.Event, aux.Time); err != nil {
		return fmt.Errorf("add event %v: %w", id, err)
	}

	for branch, payload := range products {
		if _, err := w.db.Exec(`
			INSERT INTO products (run, lumi, event, branch, payload) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(run, lumi, event, branch) DO NOTHING
		`, id.Run, id.Lumi, id.Event, branch, payload); err != nil {
			return fmt.Errorf("add product %q for %v: %w", branch, id, err)
		}
	}
	return nil
}

// AddBranch registers a branch description. Eager branches are loaded at
// event read time; the rest go through the delayed reader.
func (w *Writer) AddBranch(pd registry.ProductDescription, eager bool) error {
	e := 0
	if eager {
		e = 1
	}
	_, err := w.db.Exec(`
		INSERT INTO branches (branch, process, label, type, eager) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(branch) DO NOTHING
	`, pd.BranchName, pd.ProcessName, pd.Label, pd.Type, e)
	if err != nil {
		return fmt.Errorf("add branch %q: %w", pd.BranchName, err)
	}
	return nil
}

// SetProcessHistory records the file's provenance, replacing any
// previous history.
func (w *Writer) SetProcessHistory(h registry.ProcessHistory) error {
	if _, err := w.db.Exec(`DELETE FROM process_history`); err != nil {
		return fmt.Errorf("set process history: %w", err)
	}
	for i, pc := range h {
		if _, err := w.db.Exec(`
			INSERT INTO process_history (position, name, version) VALUES (?, ?, ?)
		`, i, pc.Name, pc.Version); err != nil {
			return fmt.Errorf("set process history: %w", err)
		}
	}
	return nil
}

// AddProcessBlock appends a process-scoped block owner.
func (w *Writer) AddProcessBlock(process string) error {
	_, err := w.db.Exec(`
		INSERT INTO process_blocks (position, process)
		VALUES ((SELECT COALESCE(MAX(position), -1) + 1 FROM process_blocks), ?)
	`, process)
	if err != nil {
		return fmt.Errorf("add process block %q: %w", process, err)
	}
	return nil
}

// AddBranchIDList appends a branch-ID list.
func (w *Writer) AddBranchIDList(list registry.BranchIDList) error {
	var pos int
	if err := w.db.QueryRow(`
		SELECT COALESCE(MAX(list_position), -1) + 1 FROM branch_id_lists
	`).Scan(&pos); err != nil {
		return fmt.Errorf("add branch id list: %w", err)
	}
	for i, id := range list {
		if _, err := w.db.Exec(`
			INSERT INTO branch_id_lists (list_position, item_position, branch_id) VALUES (?, ?, ?)
		`, pos, i, id); err != nil {
			return fmt.Errorf("add branch id list: %w", err)
		}
	}
	return nil
}

// AddThinnedAssociation records a parent/thinned branch relationship.
func (w *Writer) AddThinnedAssociation(parent, thinned string) error {
	_, err := w.db.Exec(`
		INSERT INTO thinned_associations (parent_branch, thinned_branch) VALUES (?, ?)
		ON CONFLICT(parent_branch, thinned_branch) DO NOTHING
	`, parent, thinned)
	if err != nil {
		return fmt.Errorf("add thinned association %q -> %q: %w", parent, thinned, err)
	}
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if w.db == nil {
		return nil
	}
	err := w.db.Close()
	w.db = nil
	return err
}
