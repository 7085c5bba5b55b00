// Package jwk constructs DID documents for the did:jwk method. The
// identifier is the base64url-encoded JWK of the public key, so like
// did:key the document is fully derived and static.
//
// See https://github.com/quartzjer/did-jwk/blob/main/spec.md
package jwk

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/did-doc-patch/go-didpatch"
	jwxjwk "github.com/lestrrat-go/jwx/v2/jwk"
)

// Options control document construction.
type Options struct {
	// EnableEncryptionKeyDerivation adds a keyAgreement verification method
	// holding the X25519 key derived from an Ed25519 signing key. Only
	// supported for OKP/Ed25519 keys.
	EnableEncryptionKeyDerivation bool
}

// Create builds the DID document for a raw public key (ed25519.PublicKey,
// *ecdsa.PublicKey or *rsa.PublicKey). The key is referenced from
// authentication, assertionMethod, capabilityInvocation and
// capabilityDelegation as "#key-0".
func Create(rawPub any, opts Options) (*didpatch.DidDocument, error) {
	key, err := jwxjwk.FromRaw(rawPub)
	if err != nil {
		return nil, fmt.Errorf("%w: not a usable public key: %v", didpatch.ErrInvalidInput, err)
	}

	serialized, err := json.Marshal(key)
	if err != nil {
		return nil, err
	}
	var pub didpatch.Jwk
	if err := json.Unmarshal(serialized, &pub); err != nil {
		return nil, err
	}

	did := "did:jwk:" + base64.RawURLEncoding.EncodeToString(serialized)
	kid := did + "#key-0"

	pdoc := &didpatch.PatchDocument{
		PublicKeys: []didpatch.VmWithPurpose{{
			VerificationMethod: didpatch.VerificationMethod{
				ID:           kid,
				Type:         "JsonWebKey2020",
				Controller:   did,
				PublicKeyJwk: &pub,
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
		encJwk, err := deriveEncryptionJwk(&pub)
		if err != nil {
			return nil, err
		}
		pdoc.PublicKeys = append(pdoc.PublicKeys, didpatch.VmWithPurpose{
			VerificationMethod: didpatch.VerificationMethod{
				ID:           did + "#key-1",
				Type:         "JsonWebKey2020",
				Controller:   did,
				PublicKeyJwk: encJwk,
			},
			Purposes: []didpatch.KeyPurpose{didpatch.PurposeKeyAgreement},
		})
	}

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
			{URLMap: map[string]any{
				"publicKeyJwk": map[string]any{
					"@id":   "https://w3id.org/security#publicKeyJwk",
					"@type": "@json",
				},
			}},
		},
		ID: did,
	}
	didpatch.ApplyPatches(doc, []didpatch.Patch{patch})
	return doc, nil
}

// deriveEncryptionJwk converts an Ed25519 verification JWK into the matching
// X25519 key-agreement JWK by mapping the Edwards point to Montgomery form.
func deriveEncryptionJwk(pub *didpatch.Jwk) (*didpatch.Jwk, error) {
	if pub.Kty != "OKP" || pub.Crv != "Ed25519" {
		return nil, fmt.Errorf("%w: encryption key derivation requires an Ed25519 key, got %s/%s", didpatch.ErrInvalidInput, pub.Kty, pub.Crv)
	}
	keyBytes, err := base64.RawURLEncoding.DecodeString(pub.X)
	if err != nil {
		return nil, fmt.Errorf("%w: issue decoding key: %v", didpatch.ErrInvalidInput, err)
	}
	point, err := new(edwards25519.Point).SetBytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not a valid Edwards point: %v", didpatch.ErrInvalidInput, err)
	}
	return &didpatch.Jwk{
		Kty: "OKP",
		Crv: "X25519",
		X:   base64.RawURLEncoding.EncodeToString(point.BytesMontgomery()),
	}, nil
}
