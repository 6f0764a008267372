package mirror

import (
	"cmp"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/blackmichael/bulletin-relay/internal/domain"
)

// Driver names a database/sql driver the mirror can run on.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// dialect holds the SQL that differs between drivers.
type dialect struct {
	driver Driver
	// pragmas are appended to the DSN so every pooled connection runs them.
	pragmas []string
	schema  []string

	upsert       string
	deleteByID   string
	list         string
	ids          string
	getCursor    string
	updateCursor string
}

func dialectFor(driver Driver) (dialect, error) {
	switch driver {
	case DriverPostgres:
		return postgresDialect, nil
	case DriverSQLite:
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported mirror driver %q", driver)
	}
}

const upsertTemplate = `
	INSERT INTO bulletins (id, author, ts, content)
	VALUES (%[1]s, %[2]s, %[3]s, %[4]s)
	ON CONFLICT (id) DO UPDATE SET
		author = CASE WHEN excluded.author = 0 THEN bulletins.author ELSE excluded.author END,
		ts = excluded.ts,
		content = excluded.content`

const updateCursorTemplate = `
	INSERT INTO cursors (service, cursor_value, updated_at)
	VALUES (%[1]s, %[2]s, %[3]s)
	ON CONFLICT (service) DO UPDATE SET
		cursor_value = excluded.cursor_value,
		updated_at = excluded.updated_at`

const (
	// ids are bit-cast into a signed column, so the id tie-break is done by
	// sortNewestFirst after scanning.
	listQuery = `SELECT id, ts, content FROM bulletins ORDER BY ts DESC`
	idsQuery  = `SELECT id FROM bulletins`
)

var postgresDialect = dialect{
	driver: DriverPostgres,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS bulletins (
			id BIGINT PRIMARY KEY,
			author BIGINT NOT NULL DEFAULT 0,
			ts TIMESTAMPTZ NOT NULL,
			content TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			service TEXT PRIMARY KEY,
			cursor_value BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	},
	upsert:       fmt.Sprintf(upsertTemplate, "$1", "$2", "$3", "$4"),
	deleteByID:   `DELETE FROM bulletins WHERE id = $1`,
	list:         listQuery,
	ids:          idsQuery,
	getCursor:    `SELECT cursor_value FROM cursors WHERE service = $1`,
	updateCursor: fmt.Sprintf(updateCursorTemplate, "$1", "$2", "$3"),
}

var sqliteDialect = dialect{
	driver: DriverSQLite,
	pragmas: []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"busy_timeout(5000)",
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS bulletins (
			id INTEGER PRIMARY KEY,
			author INTEGER NOT NULL DEFAULT 0,
			ts TIMESTAMP NOT NULL,
			content TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			service TEXT PRIMARY KEY,
			cursor_value INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	},
	upsert:       fmt.Sprintf(upsertTemplate, "?", "?", "?", "?"),
	deleteByID:   `DELETE FROM bulletins WHERE id = ?`,
	list:         listQuery,
	ids:          idsQuery,
	getCursor:    `SELECT cursor_value FROM cursors WHERE service = ?`,
	updateCursor: fmt.Sprintf(updateCursorTemplate, "?", "?", "?"),
}

func (d dialect) String() string {
	return strings.ToLower(string(d.driver))
}

// dsn returns base with the dialect's pragmas added as _pragma parameters.
// Pragmas the caller already set in base are left alone.
func (d dialect) dsn(base string) string {
	if len(d.pragmas) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	for _, p := range d.pragmas {
		name, _, _ := strings.Cut(p, "(")
		if strings.Contains(base, "_pragma="+name) {
			continue
		}
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(url.QueryEscape(p))
		sep = "&"
	}
	return b.String()
}

// sortNewestFirst orders bulletins by timestamp, then id, both descending.
// The mirror keeps no insertion order, so this approximates ledger order.
func sortNewestFirst(bulletins []domain.Bulletin) {
	slices.SortStableFunc(bulletins, func(a, b domain.Bulletin) int {
		if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}
