// Package web constructs DID documents for the did:web method. The method
// defines no registration API; a document created here is hosted by the
// caller at the well-known location the identifier maps to. Deactivation
// and recovery are hosting concerns (remove or re-host the document) and
// have no operations here.
//
// See https://w3c-ccg.github.io/did-method-web
package web

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/did-doc-patch/go-didpatch"
)

// DIDForDomain converts a domain, with an optional path, into a did:web
// identifier. A port colon is percent-encoded and path separators become
// identifier separators, e.g. "example.com:8443/user/alice" maps to
// "did:web:example.com%3A8443:user:alice".
func DIDForDomain(domain string) (string, error) {
	domain = strings.Trim(domain, "/")
	if domain == "" {
		return "", fmt.Errorf("%w: empty domain", didpatch.ErrInvalidInput)
	}
	if strings.Contains(domain, "://") {
		return "", fmt.Errorf("%w: domain must not include a scheme: %s", didpatch.ErrInvalidInput, domain)
	}

	segments := strings.Split(domain, "/")
	for _, seg := range segments {
		if seg == "" {
			return "", fmt.Errorf("%w: empty path segment in domain: %s", didpatch.ErrInvalidInput, domain)
		}
	}
	segments[0] = strings.Replace(segments[0], ":", "%3A", 1)

	return "did:web:" + strings.Join(segments, ":"), nil
}

// Registrar creates and updates did:web documents.
type Registrar struct {
	// Controller is set as the controller of verification methods on
	// created documents. May be empty.
	Controller string
}

// Create constructs a fresh document carrying one signing key, referenced
// from authentication and assertionMethod, plus the given services. The
// document has no id; the caller assigns one and hosts the document.
func (r *Registrar) Create(signingKey *didpatch.Jwk, keyType string, services []didpatch.Service) (*didpatch.DidDocument, error) {
	doc := &didpatch.DidDocument{
		Context: didpatch.ContextList{{URL: didpatch.DIDContext}},
	}

	kb := didpatch.NewBuilder(didpatch.ActionAddPublicKeys)
	err := kb.PublicKey(didpatch.VmWithPurpose{
		VerificationMethod: didpatch.VerificationMethod{
			ID:           randHex(8),
			Type:         keyType,
			Controller:   r.Controller,
			PublicKeyJwk: signingKey,
		},
		Purposes: []didpatch.KeyPurpose{
			didpatch.PurposeAuthentication,
			didpatch.PurposeAssertionMethod,
		},
	})
	if err != nil {
		return nil, err
	}
	keyPatch, err := kb.Build()
	if err != nil {
		return nil, err
	}
	didpatch.ApplyPatches(doc, []didpatch.Patch{keyPatch})

	if len(services) > 0 {
		sb := didpatch.NewBuilder(didpatch.ActionAddServices)
		for _, svc := range services {
			if err := sb.Service(svc); err != nil {
				return nil, err
			}
		}
		svcPatch, err := sb.Build()
		if err != nil {
			return nil, err
		}
		didpatch.ApplyPatches(doc, []didpatch.Patch{svcPatch})
	}

	return doc, nil
}

// Update returns a new document with the patches applied. The input
// document is not modified.
func (r *Registrar) Update(doc *didpatch.DidDocument, patches []didpatch.Patch) (*didpatch.DidDocument, error) {
	newDoc := doc.Clone()
	if err := didpatch.ApplyPatchesStrict(newDoc, patches); err != nil {
		return nil, err
	}
	return newDoc, nil
}

func randHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
