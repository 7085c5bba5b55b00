package didpatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
)

var (
	ErrNotGenesisEntry = errors.New("not a genesis patch entry")
	ErrNotSignedEntry  = errors.New("not a signed patch entry")
)

// Entry is one signed element of a DID's patch log: an ordered batch of
// patches, the keys allowed to sign the next entry, and a pointer to the
// previous entry. Applying the batches of a DID's log in order yields its
// current document.
type Entry struct {
	DID string `json:"did"`
	// Patches applied as a single batch, in order.
	Patches []Patch `json:"patches"`
	// UpdateKeys holds did:key strings authorized to sign the *next* entry.
	UpdateKeys []string `json:"updateKeys"`
	// Prev is the CID of the previous entry, nil for a genesis entry.
	Prev *string `json:"prev"`
	Sig  *string `json:"sig,omitempty"`
}

func computeCID(b []byte) cid.Cid {
	cidBuilder := cid.V1Builder{Codec: 0x71, MhType: 0x12, MhLength: 0}
	c, err := cidBuilder.Sum(b)
	if err != nil {
		return cid.Undef
	}
	return c
}

// cborBytes serializes v as DAG-CBOR by way of its JSON form, so that the
// signed bytes follow the same camelCase shape as the wire format and map
// keys are canonically ordered.
func cborBytes(v any) []byte {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var shape map[string]any
	if err := json.Unmarshal(jsonBytes, &shape); err != nil {
		return nil
	}
	out, err := cbor.DumpObject(shape)
	if err != nil {
		return nil
	}
	return out
}

// UnsignedCBORBytes serializes a copy of the entry with the sig field omitted.
func (e *Entry) UnsignedCBORBytes() []byte {
	unsigned := *e
	unsigned.Sig = nil
	return cborBytes(&unsigned)
}

// SignedCBORBytes serializes the entry with the sig field included.
func (e *Entry) SignedCBORBytes() []byte {
	return cborBytes(e)
}

// CID of the full (signed) entry.
func (e *Entry) CID() cid.Cid {
	return computeCID(e.SignedCBORBytes())
}

// IsGenesis reports whether this is the first entry of a DID's log.
func (e *Entry) IsGenesis() bool {
	return e.Prev == nil
}

func (e *Entry) IsSigned() bool {
	return e.Sig != nil && *e.Sig != ""
}

func (e *Entry) PrevCIDStr() string {
	if e.Prev == nil {
		return ""
	}
	return *e.Prev
}

// Sign signs the entry in place.
func (e *Entry) Sign(priv atcrypto.PrivateKey) error {
	sig, err := priv.HashAndSign(e.UnsignedCBORBytes())
	if err != nil {
		return err
	}
	b64 := base64.RawURLEncoding.EncodeToString(sig)
	e.Sig = &b64
	return nil
}

// VerifySignature checks the entry signature against a single public key.
// Returns atcrypto.ErrInvalidSignature if the signature does not verify.
func (e *Entry) VerifySignature(pub atcrypto.PublicKey) error {
	if e.Sig == nil || *e.Sig == "" {
		return fmt.Errorf("can't verify empty signature")
	}

	// this check is required because .Strict() alone is not strict enough.
	// see https://pkg.go.dev/encoding/base64#Encoding.Strict
	if strings.Contains(*e.Sig, "\r") || strings.Contains(*e.Sig, "\n") {
		return fmt.Errorf("invalid signature encoding (CRLF)")
	}

	sigBytes, err := base64.RawURLEncoding.Strict().DecodeString(*e.Sig)
	if err != nil {
		return err
	}
	return pub.HashAndVerify(e.UnsignedCBORBytes(), sigBytes)
}

// VerifySignatureAny tries each did:key in order. Parsing errors are returned
// immediately; on success, the index of the first key that validated the
// signature is returned.
func VerifySignatureAny(e *Entry, didKeys []string) (int, error) {
	if len(didKeys) == 0 {
		return -1, fmt.Errorf("no keys to verify against")
	}
	for idx, dk := range didKeys {
		pub, err := atcrypto.ParsePublicDIDKey(dk)
		if err != nil {
			return -1, err
		}
		err = e.VerifySignature(pub)
		if nil == err {
			return idx, nil
		}
		if err != atcrypto.ErrInvalidSignature {
			return -1, err
		}
	}
	return -1, atcrypto.ErrInvalidSignature
}

// LogEntry is an entry as served by a registry: the signed entry plus
// registry-assigned metadata.
type LogEntry struct {
	DID       string `json:"did"`
	Entry     Entry  `json:"entry"`
	CID       string `json:"cid"`
	CreatedAt string `json:"createdAt"`
}

// Validate checks self-consistency of this log entry in isolation. Does not
// access other log entries.
func (le *LogEntry) Validate() error {
	if _, err := syntax.ParseDID(le.DID); err != nil {
		return err
	}
	if le.Entry.DID != le.DID {
		return fmt.Errorf("log entry DID didn't match entry DID")
	}
	if le.Entry.CID().String() != le.CID {
		return fmt.Errorf("log entry CID didn't match computed entry CID")
	}
	if !le.Entry.IsSigned() {
		return fmt.Errorf("log entry was not signed")
	}
	for i := range le.Entry.Patches {
		if err := le.Entry.Patches[i].Validate(); err != nil {
			return err
		}
	}
	if le.Entry.IsGenesis() {
		if len(le.Entry.Patches) == 0 || le.Entry.Patches[0].Action != ActionReplace {
			return fmt.Errorf("genesis entry must start with a replace patch")
		}
		if _, err := VerifySignatureAny(&le.Entry, le.Entry.UpdateKeys); err != nil {
			return fmt.Errorf("failed to validate genesis entry signature: %v", err)
		}
	}
	return nil
}

// VerifyEntryLog verifies an ordered patch log for a single DID and returns
// the document it resolves to.
func VerifyEntryLog(entries []LogEntry) (*DidDocument, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("can't verify empty patch log")
	}

	did := entries[0].DID
	store := NewMemPatchStore()
	ctx := context.Background()

	for _, le := range entries {
		if le.DID != did {
			return nil, fmt.Errorf("inconsistent DID")
		}
		if le.Entry.CID().String() != le.CID {
			return nil, fmt.Errorf("inconsistent CID")
		}

		datetime, err := syntax.ParseDatetime(le.CreatedAt)
		if err != nil {
			return nil, err
		}

		pe, err := VerifyEntry(ctx, store, did, &le.Entry, datetime.Time())
		if err != nil {
			return nil, err
		}
		if err := store.CommitEntries(ctx, []*PreparedEntry{pe}); err != nil {
			return nil, err
		}
	}

	return DocumentFromLog(did, entries)
}

// DocumentFromLog folds the patch batches of a DID's log into a document.
// Each entry is one engine call, so a replace patch ends its own batch but
// later entries still apply.
func DocumentFromLog(did string, entries []LogEntry) (*DidDocument, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("can't resolve an empty patch log")
	}
	doc := &DidDocument{
		Context: ContextList{{URL: DIDContext}},
		ID:      did,
	}
	for i := range entries {
		ApplyPatches(doc, entries[i].Entry.Patches)
	}
	return doc, nil
}
