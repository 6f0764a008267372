package domain

import "context"

// BulletinLedger is the ordered, durable collection the processor mutates.
// Mutating methods persist the ledger before returning; the returned error
// reports a failed snapshot write, in which case the in-memory change stays.
type BulletinLedger interface {
	// Insert places b at the front of the ledger and reports true. When a
	// bulletin with b.ID is already present the ledger is left unchanged and
	// Insert reports false.
	Insert(b Bulletin) (bool, error)

	// Update replaces the text of the bulletin with the given id. It returns
	// the updated bulletin and true, or false when no such bulletin exists.
	Update(id uint64, text string) (Bulletin, bool, error)

	// Delete removes every bulletin with the given id and returns how many
	// were removed.
	Delete(id uint64) (int, error)

	// Get returns the bulletin with the given id.
	Get(id uint64) (Bulletin, bool)

	// Snapshot returns a copy of the ledger contents, newest first.
	Snapshot() []Bulletin

	// Len returns the number of bulletins.
	Len() int
}

// MutationOp is the statement shape a mutation maps to on the mirror.
type MutationOp int

const (
	OpUpsert MutationOp = iota + 1
	OpDelete
)

func (o MutationOp) String() string {
	switch o {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutation is one logical change applied to the mirror. Author, Timestamp and
// Text are only meaningful for OpUpsert.
type Mutation struct {
	Op        MutationOp
	ID        uint64
	Author    uint64
	Timestamp int64
	Text      string
}

// Upsert builds an upsert mutation.
func Upsert(id, author uint64, ts int64, text string) Mutation {
	return Mutation{Op: OpUpsert, ID: id, Author: author, Timestamp: ts, Text: text}
}

// Delete builds a delete mutation.
func Delete(id uint64) Mutation {
	return Mutation{Op: OpDelete, ID: id}
}

// Mirror is the remote relational projection of the ledger.
type Mirror interface {
	// Apply executes one mutation. Re-applying the same mutation is safe.
	Apply(ctx context.Context, m Mutation) error

	// List returns the mirrored bulletins, newest first.
	List(ctx context.Context) ([]Bulletin, error)

	// IDs returns the ids currently present on the mirror.
	IDs(ctx context.Context) ([]uint64, error)
}

// CursorRepository defines persistence operations for channel cursors.
type CursorRepository interface {
	// GetCursor retrieves the last-processed channel cursor for the given
	// service name. Returns 0 if no cursor has been saved.
	GetCursor(ctx context.Context, service string) (int64, error)

	// UpdateCursor persists the channel cursor so we can resume on restart.
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}

// Recorder receives processing signals for metrics. All methods must be safe
// for concurrent use.
type Recorder interface {
	EventHandled(outcome Outcome)
	LedgerSize(n int)
	SnapshotFailed()
	MirrorApplied(op MutationOp, err error)
}

type nopRecorder struct{}

func (nopRecorder) EventHandled(Outcome)            {}
func (nopRecorder) LedgerSize(int)                  {}
func (nopRecorder) SnapshotFailed()                 {}
func (nopRecorder) MirrorApplied(MutationOp, error) {}
