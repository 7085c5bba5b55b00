package registrar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/did-doc-patch/go-didpatch"
)

// SequencedEntry is an entry as pulled off an upstream export feed.
type SequencedEntry struct {
	DID       string
	CID       string
	Entry     *didpatch.Entry
	CreatedAt time.Time
	Seq       int64
}

const batchSize = 1000

type ValidatedEntry struct {
	Seq       int64
	PrepEntry *didpatch.PreparedEntry
}

// ValidateWorker validates entries from the seqEntries channel and sends
// validated entries to the validatedEntries channel. Multiple workers can run
// in parallel.
// Note: caller is responsible for inserting into inflight, but we are responsible for removal on validation failure
func ValidateWorker(ctx context.Context, seqEntries chan *SequencedEntry, validatedEntries chan<- ValidatedEntry, infl *InFlight, store didpatch.PatchStore) {
	for {
		select {
		case <-ctx.Done():
			return
		case se, ok := <-seqEntries:
			if !ok {
				return
			}

			pe, err := validateInner(ctx, se, store)
			if err != nil {
				// Validation failed - remove from InFlight and skip
				slog.Warn("validation failed", "did", se.DID, "seq", se.Seq, "cid", se.CID, "error", err)
				infl.RemoveInFlight(se.DID, se.Seq)
				continue
			}

			// Send validated entry to commit worker
			validatedEntries <- ValidatedEntry{
				Seq:       se.Seq,
				PrepEntry: pe,
			}
		}
	}
}

// CommitWorker receives validated entries and commits them to the database in batches.
// Only a single commit worker should run to avoid database contention.
// Note: responsible for removing from InFlight after commit
func CommitWorker(ctx context.Context, validatedEntries <-chan ValidatedEntry, infl *InFlight, store didpatch.PatchStore, state *RegistrarState, flushCh <-chan chan struct{}) {
	batch := make([]ValidatedEntry, 0, batchSize)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	commitBatch := func() {
		if len(batch) == 0 {
			return
		}

		// Extract PreparedEntries for commit
		prepEntries := make([]*didpatch.PreparedEntry, len(batch))
		for i, ve := range batch {
			prepEntries[i] = ve.PrepEntry
		}

		// Commit the batch
		for {
			err := store.CommitEntries(ctx, prepEntries)
			if err == nil {
				break
			}
			slog.Error("failed to commit batch", "batch_size", len(batch), "error", err)

			// If it's a transient db issue, retrying is all we can do. A
			// head mismatch shouldn't happen here since InFlight keeps each
			// DID single-file through the pipeline.

			// TODO: try committing each element of the batch individually, to limit the blast radius.

			if !sleepCtx(ctx, 1*time.Second) {
				return
			}
		}

		// Remove all from InFlight
		var newest time.Time
		for _, ve := range batch {
			infl.RemoveInFlight(ve.PrepEntry.DID, ve.Seq)
			if ve.PrepEntry.CreatedAt.After(newest) {
				newest = ve.PrepEntry.CreatedAt
			}
		}
		if state != nil && !newest.IsZero() {
			state.SetLastCommittedEntryTime(newest)
		}

		// Clear the batch
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			commitBatch()
			return
		case ve, ok := <-validatedEntries:
			if !ok {
				// Channel closed, commit remaining and exit
				commitBatch()
				return
			}

			// Add to batch
			batch = append(batch, ve)

			// Commit if batch is full
			if len(batch) >= batchSize {
				commitBatch()
			}

		case <-ticker.C:
			// Periodically flush partial batches to prevent deadlock
			commitBatch()

		case done := <-flushCh:
			commitBatch()
			close(done)
		}
	}
}

func validateInner(ctx context.Context, se *SequencedEntry, store didpatch.PatchStore) (*didpatch.PreparedEntry, error) {
	var pe *didpatch.PreparedEntry
	var err error

	for {
		pe, err = didpatch.VerifyEntry(ctx, store, se.DID, se.Entry, se.CreatedAt)
		if err != nil {
			if errors.Is(err, didpatch.ErrInvalidEntry) {
				// Entry is definitely invalid - don't retry
				return nil, fmt.Errorf("failed verifying entry %s, %s: %w", se.DID, se.CID, err)
			}

			// Transient error (hopefully) - retry with sleep.
			// If the db is down then waiting for it to come back is all we can do.
			slog.Warn("failed verifying entry, retrying", "did", se.DID, "cid", se.CID, "error", err)
			if !sleepCtx(ctx, 1*time.Second) {
				return nil, fmt.Errorf("context cancelled while retrying verification: %w", err)
			}
			continue
		}

		break // success
	}

	if pe.EntryCID != se.CID {
		return nil, fmt.Errorf("inconsistent CID for %s %s", se.DID, se.CID)
	}

	return pe, nil
}
