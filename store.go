package didpatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

var (
	// May be returned by GetAllEntries if unsupported by an implementation
	ErrNotImplemented = errors.New("not implemented")

	// May be returned by VerifyEntry (as a wrapped error)
	ErrInvalidEntry = errors.New("invalid patch entry")

	// May be returned by CommitEntries (as a wrapped error)
	ErrHeadMismatch = errors.New("head mismatch")
)

// EntryMeta is a stored entry plus the registry metadata needed to validate
// its successors.
type EntryMeta struct {
	DID       string
	CreatedAt time.Time
	// UpdateKeys are the did:keys allowed to sign the next entry.
	UpdateKeys []string
	Entry      *Entry
	EntryCID   string
}

// PreparedEntry contains everything needed to commit a validated entry.
type PreparedEntry struct {
	DID       string
	PrevHead  string
	KeyIndex  int
	CreatedAt time.Time
	Entry     *Entry
	EntryCID  string
}

type PatchStore interface {
	// GetEntry returns metadata about a specific entry, plus the entry itself.
	// Returns nil if the entry does not exist.
	GetEntry(ctx context.Context, did string, cid string) (*EntryMeta, error)

	// Like GetEntry, but returns the data for the most recent entry for a DID.
	// Returns nil if the DID does not exist.
	GetLatest(ctx context.Context, did string) (*EntryMeta, error)

	// Returns all entries for a given DID, oldest first.
	// Returns nil or empty slice if the DID does not exist.
	// An implementation may choose not to implement this method, returning
	// ErrNotImplemented if so.
	GetAllEntries(ctx context.Context, did string) ([]*EntryMeta, error)

	// CommitEntries atomically commits a batch of prepared entries to the
	// store. All entries in the batch are committed, or none are. It is
	// invalid to have multiple entries for the same DID in the same batch.
	//
	// For each PreparedEntry, PrevHead MUST match the EntryCID value returned
	// by an earlier call to GetLatest (or "" if GetLatest returned nil). If
	// any updates to the DID land between VerifyEntry and CommitEntries, the
	// commit fails with ErrHeadMismatch.
	CommitEntries(ctx context.Context, entries []*PreparedEntry) error
}

// VerifyEntry validates and prepares a single entry for commit. It verifies
// the signature against the authorized update keys, checks the patch
// payloads, checks timestamp ordering, and pins the entry to the current
// head (the log is linear; there is no fork recovery).
//
// Errors wrapping ErrInvalidEntry indicate the entry is definitely invalid.
// Other errors are store-related and may be resolved by retrying.
func VerifyEntry(ctx context.Context, store PatchStore, did string, entry *Entry, createdAt time.Time) (*PreparedEntry, error) {
	if _, err := syntax.ParseDID(did); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if entry.DID != did {
		return nil, fmt.Errorf("%w: entry DID does not match", ErrInvalidEntry)
	}
	for i := range entry.Patches {
		if err := entry.Patches[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
		}
	}
	if len(entry.UpdateKeys) == 0 {
		return nil, fmt.Errorf("%w: at least one update key is required", ErrInvalidEntry)
	}

	head, err := store.GetLatest(ctx, did)
	if err != nil {
		return nil, err
	}

	var allowedKeys []string
	if entry.IsGenesis() {
		if head != nil {
			return nil, fmt.Errorf("%w: expected genesis entry but DID already exists", ErrInvalidEntry)
		}
		if len(entry.Patches) == 0 || entry.Patches[0].Action != ActionReplace {
			return nil, fmt.Errorf("%w: genesis entry must start with a replace patch", ErrInvalidEntry)
		}
		// trust on first use: a genesis entry is signed by its own update keys
		allowedKeys = entry.UpdateKeys
	} else {
		if head == nil {
			return nil, fmt.Errorf("%w: DID not found", ErrInvalidEntry)
		}
		if entry.PrevCIDStr() != head.EntryCID {
			return nil, fmt.Errorf("%w: prev CID does not match current head", ErrInvalidEntry)
		}
		if createdAt.Sub(head.CreatedAt) <= 0 {
			return nil, fmt.Errorf("%w: invalid entry timestamp order", ErrInvalidEntry)
		}
		allowedKeys = head.UpdateKeys
	}

	keyIdx, err := VerifySignatureAny(entry, allowedKeys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	prevHead := ""
	if head != nil {
		prevHead = head.EntryCID
	}
	return &PreparedEntry{
		DID:       did,
		PrevHead:  prevHead,
		KeyIndex:  keyIdx,
		CreatedAt: createdAt,
		Entry:     entry,
		EntryCID:  entry.CID().String(),
	}, nil
}

// MemPatchStore is an in-memory implementation of the PatchStore interface.
type MemPatchStore struct {
	head    map[string]string     // DID -> CID (head)
	entries map[string]*EntryMeta // CID -> EntryMeta
	order   map[string][]string   // DID -> CIDs, oldest first
	lock    sync.RWMutex
}

var _ PatchStore = (*MemPatchStore)(nil)

func NewMemPatchStore() *MemPatchStore {
	return &MemPatchStore{
		head:    make(map[string]string),
		entries: make(map[string]*EntryMeta),
		order:   make(map[string][]string),
	}
}

// GetLatest returns the metadata for the most recent entry for a DID.
// Returns nil if the DID does not exist.
func (store *MemPatchStore) GetLatest(ctx context.Context, did string) (*EntryMeta, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	head, exists := store.head[did]
	if !exists {
		return nil, nil
	}
	return store.getEntryLocked(did, head)
}

// GetEntry returns the metadata for a specific entry.
func (store *MemPatchStore) GetEntry(ctx context.Context, did string, cid string) (*EntryMeta, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return store.getEntryLocked(did, cid)
}

func (store *MemPatchStore) getEntryLocked(did string, cid string) (*EntryMeta, error) {
	meta, exists := store.entries[cid]
	if !exists {
		return nil, fmt.Errorf("entry not found")
	}
	if meta.DID != did {
		// This implies an implementation bug, should be unreachable
		return nil, fmt.Errorf("entry belongs to a different DID")
	}
	return meta, nil
}

func (store *MemPatchStore) GetAllEntries(ctx context.Context, did string) ([]*EntryMeta, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	cids := store.order[did]
	out := make([]*EntryMeta, 0, len(cids))
	for _, c := range cids {
		meta, exists := store.entries[c]
		if !exists {
			return nil, fmt.Errorf("entry not found: %s", c)
		}
		out = append(out, meta)
	}
	return out, nil
}

// CommitEntries atomically commits a batch of prepared entries.
func (store *MemPatchStore) CommitEntries(ctx context.Context, entries []*PreparedEntry) error {
	store.lock.Lock()
	defer store.lock.Unlock()

	// Verify all heads upfront before making any modifications
	for _, pe := range entries {
		if store.head[pe.DID] != pe.PrevHead {
			return fmt.Errorf("%w: head CID mismatch for DID %s", ErrHeadMismatch, pe.DID)
		}
	}

	for _, pe := range entries {
		store.entries[pe.EntryCID] = &EntryMeta{
			DID:        pe.DID,
			CreatedAt:  pe.CreatedAt,
			UpdateKeys: pe.Entry.UpdateKeys,
			Entry:      pe.Entry,
			EntryCID:   pe.EntryCID,
		}
		store.order[pe.DID] = append(store.order[pe.DID], pe.EntryCID)
		store.head[pe.DID] = pe.EntryCID
	}
	return nil
}
