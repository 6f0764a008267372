package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Outcome is the classification of a single inbound event.
type Outcome int

const (
	OutcomeUnauthorized Outcome = iota + 1
	OutcomeNoText
	OutcomeCreate
	OutcomeUpdate
	OutcomeDelete

	// OutcomeDuplicate is a create for an id the ledger already holds.
	OutcomeDuplicate
	// OutcomeMissing is an edit for an id the ledger does not hold.
	OutcomeMissing
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeNoText:
		return "no_text"
	case OutcomeCreate:
		return "create"
	case OutcomeUpdate:
		return "update"
	case OutcomeDelete:
		return "delete"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Mutates reports whether the outcome changes the ledger.
func (o Outcome) Mutates() bool {
	return o == OutcomeCreate || o == OutcomeUpdate || o == OutcomeDelete
}

// ReadSource selects where the read path gets its bulletins from.
type ReadSource string

const (
	ReadFromLedger ReadSource = "ledger"
	ReadFromMirror ReadSource = "mirror"
)

const defaultMirrorTimeout = 10 * time.Second

// ProcessorConfig holds the collaborators of a Processor.
type ProcessorConfig struct {
	// Authorized is the set of sender ids allowed to post.
	Authorized []uint64

	Ledger BulletinLedger

	// Mirror is optional. Nil disables mirroring.
	Mirror Mirror

	// ReadSource defaults to ReadFromLedger.
	ReadSource ReadSource

	// MirrorTimeout bounds one Apply call including its reconnect cycle.
	MirrorTimeout time.Duration

	Recorder Recorder
	Logger   *slog.Logger
}

// Processor is the command processor. It authorizes and classifies inbound
// events and drives the ledger and the mirror in lock-step. All mutations and
// all mirror writes are serialized through one lock.
type Processor struct {
	authorized    map[uint64]struct{}
	ledger        BulletinLedger
	mirror        Mirror
	readSource    ReadSource
	mirrorTimeout time.Duration
	recorder      Recorder
	logger        *slog.Logger

	// sem is the write lock. A channel lets waiters give up on cancellation.
	sem chan struct{}
}

// NewProcessor creates a Processor from cfg.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Ledger == nil {
		return nil, E(KindFatal, "new processor", errors.New("ledger is required"))
	}

	readSource := cfg.ReadSource
	switch readSource {
	case "":
		readSource = ReadFromLedger
	case ReadFromLedger:
	case ReadFromMirror:
		if cfg.Mirror == nil {
			return nil, E(KindFatal, "new processor", errors.New("read source mirror requires a mirror"))
		}
	default:
		return nil, E(KindFatal, "new processor", fmt.Errorf("unknown read source %q", readSource))
	}

	authorized := make(map[uint64]struct{}, len(cfg.Authorized))
	for _, id := range cfg.Authorized {
		authorized[id] = struct{}{}
	}

	timeout := cfg.MirrorTimeout
	if timeout <= 0 {
		timeout = defaultMirrorTimeout
	}

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Processor{
		authorized:    authorized,
		ledger:        cfg.Ledger,
		mirror:        cfg.Mirror,
		readSource:    readSource,
		mirrorTimeout: timeout,
		recorder:      recorder,
		logger:        logger,
		sem:           make(chan struct{}, 1),
	}, nil
}

// Classify determines what an event asks for. It has no side effects.
func (p *Processor) Classify(ev Event) Outcome {
	if _, ok := p.authorized[ev.AuthorID]; !ok {
		return OutcomeUnauthorized
	}
	if ev.Text == nil || *ev.Text == "" {
		return OutcomeNoText
	}
	if !ev.IsEdit {
		return OutcomeCreate
	}
	if *ev.Text == DeleteSentinel {
		return OutcomeDelete
	}
	return OutcomeUpdate
}

// Handle processes one inbound event. Dropped events and mirror failures are
// not errors; the only error is ctx ending while waiting for the write lock.
//
// The mirror only sees a mutation when the ledger changed or, for deletes,
// could have changed. A create for an id already held is OutcomeDuplicate
// (redelivery after a cursor resume, or an id collision): the first bulletin
// stays. An edit for an id not held is OutcomeMissing.
func (p *Processor) Handle(ctx context.Context, ev Event) (Outcome, error) {
	outcome := p.Classify(ev)
	if !outcome.Mutates() {
		p.logger.Debug("event dropped",
			"outcome", outcome.String(),
			"author_id", ev.AuthorID,
			"message_id", ev.MessageID,
		)
		p.recorder.EventHandled(outcome)
		return outcome, nil
	}

	if err := p.acquire(ctx); err != nil {
		return outcome, fmt.Errorf("acquire ledger lock: %w", err)
	}
	defer p.release()

	id := BulletinID(ev.AuthorID, ev.MessageID)
	text := *ev.Text

	var mutation Mutation
	switch outcome {
	case OutcomeCreate:
		b := Bulletin{
			Timestamp: ev.Timestamp,
			ID:        id,
			Text:      text,
		}
		inserted, err := p.ledger.Insert(b)
		p.checkDurability(err, outcome, id)
		if !inserted {
			p.logger.Info("create for existing bulletin ignored", "id", id, "author_id", ev.AuthorID)
			return p.dropped(OutcomeDuplicate), nil
		}
		mutation = Upsert(id, ev.AuthorID, ev.Timestamp, text)
		p.logger.Info("bulletin created", "id", id, "author_id", ev.AuthorID)

	case OutcomeUpdate:
		b, found, err := p.ledger.Update(id, text)
		p.checkDurability(err, outcome, id)
		if !found {
			p.logger.Info("edit for unknown bulletin ignored", "id", id, "author_id", ev.AuthorID)
			return p.dropped(OutcomeMissing), nil
		}
		mutation = Upsert(id, ev.AuthorID, b.Timestamp, text)
		p.logger.Info("bulletin updated", "id", id, "author_id", ev.AuthorID)

	case OutcomeDelete:
		n, err := p.ledger.Delete(id)
		p.checkDurability(err, outcome, id)
		mutation = Delete(id)
		p.logger.Info("bulletin deleted", "id", id, "author_id", ev.AuthorID, "removed", n)
	}

	p.recorder.LedgerSize(p.ledger.Len())
	p.applyMirror(ctx, mutation)
	p.recorder.EventHandled(outcome)

	return outcome, nil
}

// Bulletins returns the current bulletins, newest first, from the configured
// read source. Reads never wait on the write lock.
func (p *Processor) Bulletins(ctx context.Context) ([]Bulletin, error) {
	if p.readSource == ReadFromMirror {
		bulletins, err := p.mirror.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list mirror bulletins: %w", err)
		}
		return bulletins, nil
	}
	return p.ledger.Snapshot(), nil
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Upserted int
	Deleted  int
}

// Reconcile pushes the full ledger to the mirror and removes mirror rows the
// ledger no longer holds. It closes gaps left by failed mirror writes.
func (p *Processor) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult
	if p.mirror == nil {
		return result, nil
	}

	if err := p.acquire(ctx); err != nil {
		return result, fmt.Errorf("acquire ledger lock: %w", err)
	}
	defer p.release()

	ids, err := p.mirror.IDs(ctx)
	if err != nil {
		return result, fmt.Errorf("list mirror ids: %w", err)
	}

	bulletins := p.ledger.Snapshot()
	inLedger := make(map[uint64]struct{}, len(bulletins))

	var errs []error
	for _, b := range bulletins {
		inLedger[b.ID] = struct{}{}
		if err := p.applyWithTimeout(ctx, Upsert(b.ID, 0, b.Timestamp, b.Text)); err != nil {
			errs = append(errs, fmt.Errorf("upsert %d: %w", b.ID, err))
			continue
		}
		result.Upserted++
	}

	for _, id := range ids {
		if _, ok := inLedger[id]; ok {
			continue
		}
		if err := p.applyWithTimeout(ctx, Delete(id)); err != nil {
			errs = append(errs, fmt.Errorf("delete %d: %w", id, err))
			continue
		}
		result.Deleted++
	}

	return result, errors.Join(errs...)
}

// StartReconcileJob runs Reconcile immediately and then at the given
// interval. It blocks until ctx is cancelled.
func (p *Processor) StartReconcileJob(ctx context.Context, interval time.Duration) {
	p.runReconcile(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runReconcile(ctx)
		}
	}
}

func (p *Processor) runReconcile(ctx context.Context) {
	result, err := p.Reconcile(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("mirror reconcile failed", "error", err)
	}
	if result.Upserted > 0 || result.Deleted > 0 {
		p.logger.Info("mirror reconcile complete", "upserted", result.Upserted, "deleted", result.Deleted)
	}
}

func (p *Processor) dropped(outcome Outcome) Outcome {
	p.recorder.EventHandled(outcome)
	return outcome
}

func (p *Processor) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) release() {
	<-p.sem
}

func (p *Processor) checkDurability(err error, outcome Outcome, id uint64) {
	if err == nil {
		return
	}
	p.recorder.SnapshotFailed()
	p.logger.Error("ledger snapshot write failed, in-memory state kept",
		"outcome", outcome.String(),
		"id", id,
		"error", err,
	)
}

func (p *Processor) applyMirror(ctx context.Context, m Mutation) {
	if p.mirror == nil {
		return
	}
	if err := p.applyWithTimeout(ctx, m); err != nil {
		p.logger.Warn("mirror not confirmed, local ledger is authoritative",
			"op", m.Op.String(),
			"id", m.ID,
			"kind", KindOf(err).String(),
			"error", err,
		)
	}
}

func (p *Processor) applyWithTimeout(ctx context.Context, m Mutation) error {
	ctx, cancel := context.WithTimeout(ctx, p.mirrorTimeout)
	defer cancel()

	err := p.mirror.Apply(ctx, m)
	p.recorder.MirrorApplied(m.Op, err)
	return err
}
