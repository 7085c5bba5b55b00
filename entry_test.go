package didpatch

import (
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSigner(t *testing.T) (atcrypto.PrivateKey, string) {
	t.Helper()
	priv, err := atcrypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	pub, err := priv.PublicKey()
	require.NoError(t, err)
	return priv, pub.DIDKey()
}

const testDID = "did:example:alice"

func testGenesisEntry(t *testing.T, priv atcrypto.PrivateKey, didKey string) *Entry {
	t.Helper()
	entry := &Entry{
		DID: testDID,
		Patches: []Patch{{
			Action: ActionReplace,
			Document: &PatchDocument{
				PublicKeys: []VmWithPurpose{testKey("key1", PurposeAuthentication)},
				Services:   []Service{testService("service1")},
			},
		}},
		UpdateKeys: []string{didKey},
		Prev:       nil,
	}
	require.NoError(t, entry.Sign(priv))
	return entry
}

func TestEntrySignVerify(t *testing.T) {
	assert := assert.New(t)

	priv, didKey := testSigner(t)
	entry := testGenesisEntry(t, priv, didKey)

	assert.True(entry.IsGenesis())
	assert.True(entry.IsSigned())
	assert.Equal("", entry.PrevCIDStr())

	pub, err := atcrypto.ParsePublicDIDKey(didKey)
	require.NoError(t, err)
	assert.NoError(entry.VerifySignature(pub))

	idx, err := VerifySignatureAny(entry, []string{didKey})
	require.NoError(t, err)
	assert.Equal(0, idx)

	// a second key first in line shifts the matched index
	_, otherKey := testSigner(t)
	idx, err = VerifySignatureAny(entry, []string{otherKey, didKey})
	require.NoError(t, err)
	assert.Equal(1, idx)

	_, err = VerifySignatureAny(entry, []string{otherKey})
	assert.ErrorIs(err, atcrypto.ErrInvalidSignature)
}

func TestEntryTamperedSignature(t *testing.T) {
	assert := assert.New(t)

	priv, didKey := testSigner(t)
	entry := testGenesisEntry(t, priv, didKey)
	pub, err := atcrypto.ParsePublicDIDKey(didKey)
	require.NoError(t, err)

	// mutating the payload invalidates the signature
	entry.Patches[0].Document.Services[0].ID = "evil"
	assert.Error(entry.VerifySignature(pub))

	entry = testGenesisEntry(t, priv, didKey)
	crlf := *entry.Sig + "\n"
	entry.Sig = &crlf
	assert.Error(entry.VerifySignature(pub))

	entry.Sig = nil
	assert.Error(entry.VerifySignature(pub))
}

func TestEntryCIDStable(t *testing.T) {
	assert := assert.New(t)

	priv, didKey := testSigner(t)
	entry := testGenesisEntry(t, priv, didKey)

	c1 := entry.CID()
	c2 := entry.CID()
	assert.Equal(c1, c2)
	assert.True(c1.Defined())

	// the CID covers the signature
	entry2 := testGenesisEntry(t, priv, didKey)
	other := "c2lnbmF0dXJl"
	entry2.Sig = &other
	assert.NotEqual(entry.CID(), entry2.CID())
}

func TestLogEntryValidate(t *testing.T) {
	assert := assert.New(t)

	priv, didKey := testSigner(t)
	entry := testGenesisEntry(t, priv, didKey)

	le := LogEntry{
		DID:       testDID,
		Entry:     *entry,
		CID:       entry.CID().String(),
		CreatedAt: syntax.DatetimeNow().String(),
	}
	assert.NoError(le.Validate())

	bad := le
	bad.CID = "bafybadbadbad"
	assert.Error(bad.Validate())

	bad = le
	bad.DID = "did:example:bob"
	assert.Error(bad.Validate())

	bad = le
	bad.Entry.Sig = nil
	assert.Error(bad.Validate())

	// a genesis entry must begin with a replace patch
	genesis := &Entry{
		DID:        testDID,
		Patches:    []Patch{{Action: ActionAddServices, Services: []Service{testService("s")}}},
		UpdateKeys: []string{didKey},
	}
	require.NoError(t, genesis.Sign(priv))
	bad = LogEntry{
		DID:       testDID,
		Entry:     *genesis,
		CID:       genesis.CID().String(),
		CreatedAt: syntax.DatetimeNow().String(),
	}
	assert.Error(bad.Validate())
}

func TestVerifyEntryLog(t *testing.T) {
	assert := assert.New(t)

	priv, didKey := testSigner(t)
	genesis := testGenesisEntry(t, priv, didKey)
	genesisCID := genesis.CID().String()

	update := &Entry{
		DID: testDID,
		Patches: []Patch{
			{Action: ActionAddPublicKeys, PublicKeys: []VmWithPurpose{testKey("key2", PurposeAssertionMethod)}},
			{Action: ActionRemoveServices, IDs: []string{"service1"}},
		},
		UpdateKeys: []string{didKey},
		Prev:       &genesisCID,
	}
	require.NoError(t, update.Sign(priv))

	t0 := time.Now().UTC().Add(-time.Minute)
	log := []LogEntry{
		{DID: testDID, Entry: *genesis, CID: genesisCID, CreatedAt: t0.Format(time.RFC3339)},
		{DID: testDID, Entry: *update, CID: update.CID().String(), CreatedAt: syntax.DatetimeNow().String()},
	}

	doc, err := VerifyEntryLog(log)
	require.NoError(t, err)
	assert.Equal(testDID, doc.ID)
	require.Len(t, doc.VerificationMethod, 2)
	assert.Equal(RelationshipList{{KeyID: "key1"}}, doc.Authentication)
	assert.Equal(RelationshipList{{KeyID: "key2"}}, doc.AssertionMethod)
	assert.Empty(doc.Service)
}

func TestVerifyEntryLogRejectsBrokenChain(t *testing.T) {
	assert := assert.New(t)

	priv, didKey := testSigner(t)
	genesis := testGenesisEntry(t, priv, didKey)
	genesisCID := genesis.CID().String()

	wrongPrev := "bafyreib2rxk3rybk3aobmv5cjuql3bm2twh4jo5uxgf5kpqsuszvq2t3ce"
	update := &Entry{
		DID:        testDID,
		Patches:    []Patch{{Action: ActionAddServices, Services: []Service{testService("service2")}}},
		UpdateKeys: []string{didKey},
		Prev:       &wrongPrev,
	}
	require.NoError(t, update.Sign(priv))

	t0 := time.Now().UTC().Add(-time.Minute)
	log := []LogEntry{
		{DID: testDID, Entry: *genesis, CID: genesisCID, CreatedAt: t0.Format(time.RFC3339)},
		{DID: testDID, Entry: *update, CID: update.CID().String(), CreatedAt: syntax.DatetimeNow().String()},
	}

	_, err := VerifyEntryLog(log)
	assert.ErrorIs(err, ErrInvalidEntry)
}

func TestVerifyEntryLogRejectsUnauthorizedSigner(t *testing.T) {
	assert := assert.New(t)

	priv, didKey := testSigner(t)
	attacker, _ := testSigner(t)

	genesis := testGenesisEntry(t, priv, didKey)
	genesisCID := genesis.CID().String()

	// signed by a key that is not in the head's update keys
	update := &Entry{
		DID:        testDID,
		Patches:    []Patch{{Action: ActionRemovePublicKeys, IDs: []string{"key1"}}},
		UpdateKeys: []string{didKey},
		Prev:       &genesisCID,
	}
	require.NoError(t, update.Sign(attacker))

	t0 := time.Now().UTC().Add(-time.Minute)
	log := []LogEntry{
		{DID: testDID, Entry: *genesis, CID: genesisCID, CreatedAt: t0.Format(time.RFC3339)},
		{DID: testDID, Entry: *update, CID: update.CID().String(), CreatedAt: syntax.DatetimeNow().String()},
	}

	_, err := VerifyEntryLog(log)
	assert.ErrorIs(err, ErrInvalidEntry)
}

func TestVerifyEntryLogKeyRotation(t *testing.T) {
	assert := assert.New(t)

	priv1, didKey1 := testSigner(t)
	priv2, didKey2 := testSigner(t)

	genesis := testGenesisEntry(t, priv1, didKey1)
	genesisCID := genesis.CID().String()

	// rotate: the old key signs the entry that installs the new key
	rotate := &Entry{
		DID:        testDID,
		Patches:    []Patch{{Action: ActionAddServices, Services: []Service{testService("service2")}}},
		UpdateKeys: []string{didKey2},
		Prev:       &genesisCID,
	}
	require.NoError(t, rotate.Sign(priv1))
	rotateCID := rotate.CID().String()

	// the new key signs subsequent entries
	after := &Entry{
		DID:        testDID,
		Patches:    []Patch{{Action: ActionRemoveServices, IDs: []string{"service1"}}},
		UpdateKeys: []string{didKey2},
		Prev:       &rotateCID,
	}
	require.NoError(t, after.Sign(priv2))

	base := time.Now().UTC().Add(-time.Hour)
	ts := func(offset time.Duration) string {
		return base.Add(offset).Format(time.RFC3339)
	}
	log := []LogEntry{
		{DID: testDID, Entry: *genesis, CID: genesisCID, CreatedAt: ts(0)},
		{DID: testDID, Entry: *rotate, CID: rotateCID, CreatedAt: ts(time.Minute)},
		{DID: testDID, Entry: *after, CID: after.CID().String(), CreatedAt: ts(2 * time.Minute)},
	}

	doc, err := VerifyEntryLog(log)
	require.NoError(t, err)
	require.Len(t, doc.Service, 1)
	assert.Equal("service2", doc.Service[0].ID)

	// the old key cannot sign once rotated out
	stale := &Entry{
		DID:        testDID,
		Patches:    []Patch{{Action: ActionRemovePublicKeys, IDs: []string{"key1"}}},
		UpdateKeys: []string{didKey1},
		Prev:       &rotateCID,
	}
	require.NoError(t, stale.Sign(priv1))
	badLog := append(log[:2:2], LogEntry{
		DID: testDID, Entry: *stale, CID: stale.CID().String(), CreatedAt: ts(2 * time.Minute),
	})
	_, err = VerifyEntryLog(badLog)
	assert.ErrorIs(err, ErrInvalidEntry)
}
