// Package key constructs DID documents for the did:key method. The
// identifier encodes the public key itself, so the document is fully
// derived from key material and never mutated after creation.
//
// See https://w3c-ccg.github.io/did-method-key
package key

import (
	"crypto/ed25519"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/did-doc-patch/go-didpatch"
	"github.com/multiformats/go-multibase"
)

// Multicodec prefixes, unsigned-varint encoded.
var (
	ed25519Prefix = []byte{0xed, 0x01}
	x25519Prefix  = []byte{0xec, 0x01}
)

// DataIntegrityContext is the JSON-LD context carried alongside the DID
// context when keys are expressed in Multikey form.
const DataIntegrityContext = "https://w3id.org/security/data-integrity/v1"

// Options control document construction.
type Options struct {
	// EnableEncryptionKeyDerivation adds a keyAgreement verification method
	// holding the X25519 key derived from the Ed25519 signing key.
	// See https://w3c-ccg.github.io/did-method-key/#encryption-method-creation-algorithm
	EnableEncryptionKeyDerivation bool
}

// Create builds the DID document for an Ed25519 public key. The signing key
// is referenced from authentication, assertionMethod, capabilityInvocation
// and capabilityDelegation.
func Create(pub ed25519.PublicKey, opts Options) (*didpatch.DidDocument, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: ed25519 public key must be %d bytes, got %d", didpatch.ErrInvalidInput, ed25519.PublicKeySize, len(pub))
	}

	multikey, err := encodeMultikey(ed25519Prefix, pub)
	if err != nil {
		return nil, err
	}
	did := "did:key:" + multikey

	pdoc := &didpatch.PatchDocument{
		PublicKeys: []didpatch.VmWithPurpose{{
			VerificationMethod: didpatch.VerificationMethod{
				ID:                 did + "#" + multikey,
				Type:               "Multikey",
				Controller:         did,
				PublicKeyMultibase: multikey,
			},
			Purposes: []didpatch.KeyPurpose{
				didpatch.PurposeAuthentication,
				didpatch.PurposeAssertionMethod,
				didpatch.PurposeCapabilityInvocation,
				didpatch.PurposeCapabilityDelegation,
			},
		}},
	}

	if opts.EnableEncryptionKeyDerivation {
		xpub, err := deriveX25519(pub)
		if err != nil {
			return nil, err
		}
		xmultikey, err := encodeMultikey(x25519Prefix, xpub)
		if err != nil {
			return nil, err
		}
		pdoc.PublicKeys = append(pdoc.PublicKeys, didpatch.VmWithPurpose{
			VerificationMethod: didpatch.VerificationMethod{
				ID:                 did + "#" + xmultikey,
				Type:               "Multikey",
				Controller:         did,
				PublicKeyMultibase: xmultikey,
			},
			Purposes: []didpatch.KeyPurpose{didpatch.PurposeKeyAgreement},
		})
	}

	return buildDoc(did, pdoc)
}

// CreateFromPublicKey builds the DID document for a P-256 or K-256 public
// key. No key-agreement derivation exists for these curves.
func CreateFromPublicKey(pub atcrypto.PublicKey) (*didpatch.DidDocument, error) {
	did := pub.DIDKey()
	multikey := pub.Multibase()

	pdoc := &didpatch.PatchDocument{
		PublicKeys: []didpatch.VmWithPurpose{{
			VerificationMethod: didpatch.VerificationMethod{
				ID:                 did + "#" + multikey,
				Type:               "Multikey",
				Controller:         did,
				PublicKeyMultibase: multikey,
			},
			Purposes: []didpatch.KeyPurpose{
				didpatch.PurposeAuthentication,
				didpatch.PurposeAssertionMethod,
				didpatch.PurposeCapabilityInvocation,
				didpatch.PurposeCapabilityDelegation,
			},
		}},
	}

	return buildDoc(did, pdoc)
}

func buildDoc(did string, pdoc *didpatch.PatchDocument) (*didpatch.DidDocument, error) {
	b := didpatch.NewBuilder(didpatch.ActionReplace)
	if err := b.Document(pdoc); err != nil {
		return nil, err
	}
	patch, err := b.Build()
	if err != nil {
		return nil, err
	}

	doc := &didpatch.DidDocument{
		Context: didpatch.ContextList{
			{URL: didpatch.DIDContext},
			{URL: DataIntegrityContext},
		},
		ID: did,
	}
	didpatch.ApplyPatches(doc, []didpatch.Patch{patch})
	return doc, nil
}

func encodeMultikey(prefix, keyBytes []byte) (string, error) {
	buf := make([]byte, 0, len(prefix)+len(keyBytes))
	buf = append(buf, prefix...)
	buf = append(buf, keyBytes...)
	return multibase.Encode(multibase.Base58BTC, buf)
}

// deriveX25519 converts an Ed25519 public key to its Montgomery form,
// yielding the matching X25519 public encryption key.
func deriveX25519(pub ed25519.PublicKey) ([]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not a valid Edwards point: %v", didpatch.ErrInvalidInput, err)
	}
	return point.BytesMontgomery(), nil
}
