// Package ledger holds the ordered, durable collection of bulletins.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/blackmichael/bulletin-relay/internal/domain"
)

// Store reads and writes the serialized ledger document.
type Store interface {
	// Read returns the stored document. It returns an error wrapping
	// fs.ErrNotExist when nothing has been stored yet.
	Read() ([]byte, error)

	// Write replaces the stored document.
	Write(data []byte) error
}

// Ledger is an ordered set of bulletins, newest first, with at most one
// entry per id. Every mutation rewrites the whole document to the store
// while the write lock is held.
type Ledger struct {
	mu        sync.RWMutex
	bulletins []domain.Bulletin
	store     Store
	logger    *slog.Logger
}

// New creates an empty ledger backed by store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ledger{store: store, logger: logger}
}

// Open loads the ledger from store. A store with no document yields an empty
// ledger. A document that cannot be decoded is a fatal error.
func Open(store Store, logger *slog.Logger) (*Ledger, error) {
	l := New(store, logger)

	data, err := store.Read()
	if errors.Is(err, errNotExist) {
		l.logger.Info("no ledger snapshot found, starting empty")
		return l, nil
	}
	if err != nil {
		return nil, domain.E(domain.KindFatal, "open ledger", fmt.Errorf("read snapshot: %w", err))
	}

	bulletins, err := Load(data)
	if err != nil {
		return nil, domain.E(domain.KindFatal, "open ledger", err)
	}
	l.bulletins = bulletins

	l.logger.Info("ledger loaded", "bulletins", len(bulletins))
	return l, nil
}

// Insert places b at the front. If a bulletin with b.ID is already held the
// ledger is unchanged, nothing is written and Insert returns false.
func (l *Ledger) Insert(b domain.Bulletin) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if slices.ContainsFunc(l.bulletins, func(have domain.Bulletin) bool { return have.ID == b.ID }) {
		return false, nil
	}
	l.bulletins = slices.Insert(l.bulletins, 0, b)
	return true, l.persistLocked("insert")
}

// Update replaces the text of the bulletin with the given id, keeping its
// position and timestamp. A missing id is a silent no-op.
func (l *Ledger) Update(id uint64, text string) (domain.Bulletin, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := slices.IndexFunc(l.bulletins, func(b domain.Bulletin) bool { return b.ID == id })
	if i < 0 {
		return domain.Bulletin{}, false, nil
	}
	l.bulletins[i].Text = text
	return l.bulletins[i], true, l.persistLocked("update")
}

// Delete removes every bulletin with the given id and returns the number
// removed. Deleting a missing id does nothing.
func (l *Ledger) Delete(id uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	before := len(l.bulletins)
	l.bulletins = slices.DeleteFunc(l.bulletins, func(b domain.Bulletin) bool { return b.ID == id })
	removed := before - len(l.bulletins)
	if removed == 0 {
		return 0, nil
	}
	return removed, l.persistLocked("delete")
}

// Get returns the bulletin with the given id.
func (l *Ledger) Get(id uint64) (domain.Bulletin, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, b := range l.bulletins {
		if b.ID == id {
			return b, true
		}
	}
	return domain.Bulletin{}, false
}

// Snapshot returns a copy of the ledger, newest first.
func (l *Ledger) Snapshot() []domain.Bulletin {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.Bulletin, len(l.bulletins))
	copy(out, l.bulletins)
	return out
}

// Len returns the number of bulletins.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.bulletins)
}

func (l *Ledger) persistLocked(op string) error {
	if l.store == nil {
		return nil
	}
	data, err := Persist(l.bulletins)
	if err != nil {
		return domain.E(domain.KindDurability, op, err)
	}
	if err := l.store.Write(data); err != nil {
		return domain.E(domain.KindDurability, op, fmt.Errorf("write snapshot: %w", err))
	}
	return nil
}
