package didpatch

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// DIDContext is the JSON-LD context for DID Core documents.
const DIDContext = "https://www.w3.org/ns/did/v1"

// KeyPurpose names one of the five verification relationship categories.
type KeyPurpose string

const (
	PurposeAuthentication       KeyPurpose = "authentication"
	PurposeAssertionMethod      KeyPurpose = "assertionMethod"
	PurposeKeyAgreement         KeyPurpose = "keyAgreement"
	PurposeCapabilityDelegation KeyPurpose = "capabilityDelegation"
	PurposeCapabilityInvocation KeyPurpose = "capabilityInvocation"
)

// KeyPurposes lists all five relationship categories.
var KeyPurposes = []KeyPurpose{
	PurposeAuthentication,
	PurposeAssertionMethod,
	PurposeKeyAgreement,
	PurposeCapabilityDelegation,
	PurposeCapabilityInvocation,
}

func (p KeyPurpose) Valid() bool {
	return slices.Contains(KeyPurposes, p)
}

func (p KeyPurpose) String() string {
	return string(p)
}

// Context is a JSON-LD context entry: either a plain URL or an object.
type Context struct {
	URL    string
	URLMap map[string]any
}

func (c Context) MarshalJSON() ([]byte, error) {
	if c.URLMap != nil {
		return json.Marshal(c.URLMap)
	}
	return json.Marshal(c.URL)
}

func (c *Context) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &c.URL)
	}
	return json.Unmarshal(b, &c.URLMap)
}

// ContextList is a flexible one-or-more list of context entries.
type ContextList []Context

func (l ContextList) MarshalJSON() ([]byte, error) {
	return marshalFlex([]Context(l))
}

func (l *ContextList) UnmarshalJSON(b []byte) error {
	items, err := unmarshalFlex(b, func(s string) (Context, bool) {
		return Context{URL: s}, true
	})
	if err != nil {
		return err
	}
	*l = items
	return nil
}

// StringList is a flexible one-or-more list of strings.
type StringList []string

func (l StringList) MarshalJSON() ([]byte, error) {
	return marshalFlex([]string(l))
}

func (l *StringList) UnmarshalJSON(b []byte) error {
	items, err := unmarshalFlex(b, func(s string) (string, bool) {
		return s, true
	})
	if err != nil {
		return err
	}
	*l = items
	return nil
}

// Jwk is public key material in JSON Web Key form. Only the public members
// are modelled; key generation and algorithm selection happen elsewhere.
type Jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid,omitempty"`
}

// VerificationMethod is a public key usable for some cryptographic purpose
// tied to a DID. Key material is carried either as a JWK or as a multibase
// string, depending on the method type.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyJwk       *Jwk   `json:"publicKeyJwk,omitempty"`
	PublicKeyMultibase string `json:"publicKeyMultibase,omitempty"`
}

// VmRelationship is a single entry in one of the five relationship lists.
// It is either a reference (KeyID set) or an embedded method (Method set).
// The patch engine constructs and manipulates only the reference form;
// embedded entries pass through untouched.
type VmRelationship struct {
	KeyID  string
	Method *VerificationMethod
}

// sameKey reports whether two entries reference the same key. Equality is
// defined by key id only; an embedded entry (no KeyID) never matches.
func (r VmRelationship) sameKey(o VmRelationship) bool {
	return r.KeyID != "" && r.KeyID == o.KeyID
}

func (r VmRelationship) MarshalJSON() ([]byte, error) {
	if r.Method != nil {
		return json.Marshal(r.Method)
	}
	return json.Marshal(r.KeyID)
}

func (r *VmRelationship) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &r.KeyID)
	}
	r.Method = &VerificationMethod{}
	return json.Unmarshal(b, r.Method)
}

// RelationshipList is a flexible one-or-more list of relationship entries.
type RelationshipList []VmRelationship

func (l RelationshipList) MarshalJSON() ([]byte, error) {
	return marshalFlex([]VmRelationship(l))
}

func (l *RelationshipList) UnmarshalJSON(b []byte) error {
	items, err := unmarshalFlex(b, func(s string) (VmRelationship, bool) {
		return VmRelationship{KeyID: s}, true
	})
	if err != nil {
		return err
	}
	*l = items
	return nil
}

// Endpoint is a service endpoint: either a plain URL or a structured map.
type Endpoint struct {
	URL    string
	URLMap map[string]any
}

func (e Endpoint) MarshalJSON() ([]byte, error) {
	if e.URLMap != nil {
		return json.Marshal(e.URLMap)
	}
	return json.Marshal(e.URL)
}

func (e *Endpoint) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &e.URL)
	}
	return json.Unmarshal(b, &e.URLMap)
}

// EndpointList is a flexible one-or-more list of service endpoints.
type EndpointList []Endpoint

func (l EndpointList) MarshalJSON() ([]byte, error) {
	return marshalFlex([]Endpoint(l))
}

func (l *EndpointList) UnmarshalJSON(b []byte) error {
	items, err := unmarshalFlex(b, func(s string) (Endpoint, bool) {
		return Endpoint{URL: s}, true
	})
	if err != nil {
		return err
	}
	*l = items
	return nil
}

// Service is an endpoint through which the DID subject can be interacted
// with: identifier, one or more type tags, one or more endpoints.
type Service struct {
	ID              string       `json:"id"`
	Type            StringList   `json:"type"`
	ServiceEndpoint EndpointList `json:"serviceEndpoint"`
}

// DidDocument is the record associated with a DID: verification methods,
// the five relationship categories, and services.
//
// Optional list fields are nil when absent; an empty relationship category
// is always represented as nil, never as an empty non-nil slice, so that
// serialization omits it.
type DidDocument struct {
	Context              ContextList          `json:"@context,omitempty"`
	ID                   string               `json:"id"`
	Controller           StringList           `json:"controller,omitempty"`
	AlsoKnownAs          StringList           `json:"alsoKnownAs,omitempty"`
	VerificationMethod   []VerificationMethod `json:"verificationMethod,omitempty"`
	Authentication       RelationshipList     `json:"authentication,omitempty"`
	AssertionMethod      RelationshipList     `json:"assertionMethod,omitempty"`
	KeyAgreement         RelationshipList     `json:"keyAgreement,omitempty"`
	CapabilityDelegation RelationshipList     `json:"capabilityDelegation,omitempty"`
	CapabilityInvocation RelationshipList     `json:"capabilityInvocation,omitempty"`
	Service              []Service            `json:"service,omitempty"`
}

// VerificationMethodByID returns the verification method with the given id,
// or nil if the document has no such method.
func (doc *DidDocument) VerificationMethodByID(id string) *VerificationMethod {
	for i := range doc.VerificationMethod {
		if doc.VerificationMethod[i].ID == id {
			return &doc.VerificationMethod[i]
		}
	}
	return nil
}

// Relationship returns the relationship list for a purpose.
func (doc *DidDocument) Relationship(purpose KeyPurpose) (RelationshipList, error) {
	switch purpose {
	case PurposeAuthentication:
		return doc.Authentication, nil
	case PurposeAssertionMethod:
		return doc.AssertionMethod, nil
	case PurposeKeyAgreement:
		return doc.KeyAgreement, nil
	case PurposeCapabilityDelegation:
		return doc.CapabilityDelegation, nil
	case PurposeCapabilityInvocation:
		return doc.CapabilityInvocation, nil
	}
	return nil, fmt.Errorf("unknown key purpose: %s", purpose)
}

// Clone returns a deep copy of the document.
func (doc *DidDocument) Clone() *DidDocument {
	out := &DidDocument{
		Context:              slices.Clone(doc.Context),
		ID:                   doc.ID,
		Controller:           slices.Clone(doc.Controller),
		AlsoKnownAs:          slices.Clone(doc.AlsoKnownAs),
		Authentication:       cloneRelationships(doc.Authentication),
		AssertionMethod:      cloneRelationships(doc.AssertionMethod),
		KeyAgreement:         cloneRelationships(doc.KeyAgreement),
		CapabilityDelegation: cloneRelationships(doc.CapabilityDelegation),
		CapabilityInvocation: cloneRelationships(doc.CapabilityInvocation),
	}
	for i := range out.Context {
		out.Context[i].URLMap = maps.Clone(out.Context[i].URLMap)
	}
	if doc.VerificationMethod != nil {
		out.VerificationMethod = make([]VerificationMethod, len(doc.VerificationMethod))
		for i, vm := range doc.VerificationMethod {
			out.VerificationMethod[i] = cloneMethod(vm)
		}
	}
	if doc.Service != nil {
		out.Service = make([]Service, len(doc.Service))
		for i, svc := range doc.Service {
			out.Service[i] = cloneService(svc)
		}
	}
	return out
}

func cloneMethod(vm VerificationMethod) VerificationMethod {
	if vm.PublicKeyJwk != nil {
		jwk := *vm.PublicKeyJwk
		vm.PublicKeyJwk = &jwk
	}
	return vm
}

func cloneService(svc Service) Service {
	svc.Type = slices.Clone(svc.Type)
	eps := slices.Clone(svc.ServiceEndpoint)
	for i := range eps {
		eps[i].URLMap = maps.Clone(eps[i].URLMap)
	}
	svc.ServiceEndpoint = eps
	return svc
}

func cloneRelationships(l RelationshipList) RelationshipList {
	if l == nil {
		return nil
	}
	out := make(RelationshipList, len(l))
	for i, r := range l {
		if r.Method != nil {
			m := cloneMethod(*r.Method)
			r.Method = &m
		}
		out[i] = r
	}
	return out
}
