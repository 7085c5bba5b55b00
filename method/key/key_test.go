package key

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"strings"
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/did-doc-patch/go-didpatch"
	"github.com/multiformats/go-multibase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEd25519(t *testing.T) {
	assert := assert.New(t)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	doc, err := Create(pub, Options{})
	require.NoError(t, err)

	assert.True(strings.HasPrefix(doc.ID, "did:key:z6Mk"), "ed25519 multikey should start with z6Mk: %s", doc.ID)

	require.Len(t, doc.VerificationMethod, 1)
	vm := doc.VerificationMethod[0]
	assert.Equal(doc.ID+"#"+vm.PublicKeyMultibase, vm.ID)
	assert.Equal("Multikey", vm.Type)
	assert.Equal(doc.ID, vm.Controller)

	// multikey decodes back to the prefixed raw key
	_, decoded, err := multibase.Decode(vm.PublicKeyMultibase)
	require.NoError(t, err)
	assert.Equal([]byte{0xed, 0x01}, decoded[:2])
	assert.Equal([]byte(pub), decoded[2:])

	for _, purpose := range []didpatch.KeyPurpose{
		didpatch.PurposeAuthentication,
		didpatch.PurposeAssertionMethod,
		didpatch.PurposeCapabilityInvocation,
		didpatch.PurposeCapabilityDelegation,
	} {
		rel, err := doc.Relationship(purpose)
		require.NoError(t, err)
		require.Len(t, rel, 1, "purpose %s", purpose)
		assert.Equal(vm.ID, rel[0].KeyID)
	}
	assert.Nil(doc.KeyAgreement)
}

func TestCreateEd25519WithEncryptionDerivation(t *testing.T) {
	assert := assert.New(t)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	doc, err := Create(pub, Options{EnableEncryptionKeyDerivation: true})
	require.NoError(t, err)

	require.Len(t, doc.VerificationMethod, 2)
	enc := doc.VerificationMethod[1]
	assert.True(strings.HasPrefix(enc.PublicKeyMultibase, "z6LS"), "x25519 multikey should start with z6LS: %s", enc.PublicKeyMultibase)
	assert.Equal(doc.ID+"#"+enc.PublicKeyMultibase, enc.ID)

	_, decoded, err := multibase.Decode(enc.PublicKeyMultibase)
	require.NoError(t, err)
	assert.Equal([]byte{0xec, 0x01}, decoded[:2])
	assert.Len(decoded[2:], 32)

	require.Len(t, doc.KeyAgreement, 1)
	assert.Equal(enc.ID, doc.KeyAgreement[0].KeyID)

	// signing key does not gain the keyAgreement purpose
	rel, err := doc.Relationship(didpatch.PurposeAuthentication)
	require.NoError(t, err)
	require.Len(t, rel, 1)
	assert.Equal(doc.VerificationMethod[0].ID, rel[0].KeyID)
}

func TestCreateRejectsBadKeyLength(t *testing.T) {
	_, err := Create(make(ed25519.PublicKey, 16), Options{})
	assert.ErrorIs(t, err, didpatch.ErrInvalidInput)
}

func TestCreateFromPublicKey(t *testing.T) {
	assert := assert.New(t)

	priv, err := atcrypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	pub, err := priv.PublicKey()
	require.NoError(t, err)

	doc, err := CreateFromPublicKey(pub)
	require.NoError(t, err)

	assert.Equal(pub.DIDKey(), doc.ID)
	require.Len(t, doc.VerificationMethod, 1)
	assert.Equal(pub.Multibase(), doc.VerificationMethod[0].PublicKeyMultibase)
	assert.Nil(doc.KeyAgreement)
}

func TestCreateDocumentShape(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	doc, err := Create(pub, Options{})
	require.NoError(t, err)

	b, err := json.Marshal(doc)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.NotContains(t, m, "keyAgreement")
	assert.Contains(t, m, "@context")
	assert.Contains(t, m, "capabilityDelegation")
}
