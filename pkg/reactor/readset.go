package reactor

// Mode is the granularity a read set is evaluated at.
type Mode string

const (
	// ModeNone tracks nothing; the subscription never invalidates from
	// changes and only refreshes on resync.
	ModeNone Mode = "none"
	// ModeTable invalidates on any change to a touched table.
	ModeTable Mode = "table"
	// ModeRow invalidates on changes to tracked rows; inserts always
	// invalidate since a new row could match the query's filter.
	ModeRow Mode = "row"
	// ModeAdaptive defers to the per-table mode the manager maintains.
	ModeAdaptive Mode = "adaptive"
)

// ReadSet records what a query execution touched. Replaced wholesale on
// every re-execution; a subscription's scope may grow or shrink.
type ReadSet struct {
	Tables        map[string]struct{}
	Rows          map[string]map[string]struct{}
	FilterColumns map[string]map[string]struct{}
	Mode          Mode
}

// NewReadSet returns an empty read set in the given mode.
func NewReadSet(mode Mode) *ReadSet {
	return &ReadSet{
		Tables:        make(map[string]struct{}),
		Rows:          make(map[string]map[string]struct{}),
		FilterColumns: make(map[string]map[string]struct{}),
		Mode:          mode,
	}
}

// Intersects reports whether a change invalidates this read set.
// effective is the mode to evaluate at after adaptive resolution.
func (rs *ReadSet) Intersects(ch Change, effective Mode) bool {
	if _, touched := rs.Tables[ch.Table]; !touched {
		return false
	}
	switch effective {
	case ModeNone:
		return false
	case ModeTable:
		return true
	case ModeRow:
		if ch.Op == OpInsert {
			return true
		}
		if ch.RowID == "" {
			return true
		}
		rows := rs.Rows[ch.Table]
		// A table recorded without row ids is a table-granularity read;
		// it must intersect conservatively at any granularity.
		if len(rows) == 0 {
			return true
		}
		_, tracked := rows[ch.RowID]
		return tracked
	default:
		return true
	}
}

// RowCount returns the number of tracked rows for a table.
func (rs *ReadSet) RowCount(table string) int {
	return len(rs.Rows[table])
}

// Tracker is handed to a query during execution to capture its read set.
// Not safe for concurrent use; each execution gets its own.
type Tracker struct {
	rs *ReadSet
}

// NewTracker starts capturing into a fresh read set.
func NewTracker(mode Mode) *Tracker {
	return &Tracker{rs: NewReadSet(mode)}
}

// Table records that the query read from a table.
func (t *Tracker) Table(name string) {
	t.rs.Tables[name] = struct{}{}
}

// Row records that the query read a specific row. Implies Table.
func (t *Tracker) Row(table, rowID string) {
	t.Table(table)
	rows, ok := t.rs.Rows[table]
	if !ok {
		rows = make(map[string]struct{})
		t.rs.Rows[table] = rows
	}
	rows[rowID] = struct{}{}
}

// Filter records the columns a query filtered a table by. Change
// notifications carry changed columns, so untouched filters can be used
// to skip re-execution in the future; for now they are informational.
func (t *Tracker) Filter(table string, columns ...string) {
	t.Table(table)
	cols, ok := t.rs.FilterColumns[table]
	if !ok {
		cols = make(map[string]struct{})
		t.rs.FilterColumns[table] = cols
	}
	for _, c := range columns {
		cols[c] = struct{}{}
	}
}

// ReadSet returns the captured set.
func (t *Tracker) ReadSet() *ReadSet {
	return t.rs
}
