package didpatch

import (
	"fmt"
)

// Action is the kind of update a patch applies to a DID document.
type Action string

const (
	// ActionReplace creates a new DID document or replaces an entire document.
	ActionReplace Action = "replace"
	// ActionAddPublicKeys adds one or more public keys to the document.
	ActionAddPublicKeys Action = "add-public-keys"
	// ActionRemovePublicKeys removes one or more public keys from the document.
	ActionRemovePublicKeys Action = "remove-public-keys"
	// ActionAddServices adds one or more services to the document.
	ActionAddServices Action = "add-services"
	// ActionRemoveServices removes one or more services from the document.
	ActionRemoveServices Action = "remove-services"
)

func (a Action) Valid() bool {
	switch a {
	case ActionReplace, ActionAddPublicKeys, ActionRemovePublicKeys,
		ActionAddServices, ActionRemoveServices:
		return true
	}
	return false
}

func (a Action) String() string {
	return string(a)
}

// VmWithPurpose is a verification method plus the relationship categories it
// should be referenced from. It is the unit of add-public-keys operations.
type VmWithPurpose struct {
	VerificationMethod
	Purposes []KeyPurpose `json:"purposes,omitempty"`
}

// PatchDocument is the payload of a replace patch: a set of keys and
// services to construct a whole DID document from.
type PatchDocument struct {
	// Public keys the rebuilt document should carry.
	PublicKeys []VmWithPurpose `json:"publicKeys,omitempty"`
	// Services the rebuilt document should carry.
	Services []Service `json:"services,omitempty"`
}

// NewPatchDocument derives a replace payload from an existing DID document
// (for use in a DID create or replace).
func NewPatchDocument(doc *DidDocument) *PatchDocument {
	pdoc := &PatchDocument{}
	if doc.Service != nil {
		pdoc.Services = make([]Service, len(doc.Service))
		for i, svc := range doc.Service {
			pdoc.Services[i] = cloneService(svc)
		}
	}
	for _, vm := range doc.VerificationMethod {
		pdoc.PublicKeys = append(pdoc.PublicKeys, VmWithPurpose{
			VerificationMethod: cloneMethod(vm),
		})
	}
	return pdoc
}

// Patch is a typed instruction that transforms a DID document. Only the
// field matching the action is meaningful; the others are absent.
type Patch struct {
	// The type of patch to apply.
	Action Action `json:"action"`
	// A set of keys and services to construct a whole DID document.
	// Only set for a replace patch.
	Document *PatchDocument `json:"document,omitempty"`
	// Services to add. Removal is done via the IDs field instead.
	Services []Service `json:"services,omitempty"`
	// Key IDs or service IDs to remove.
	IDs []string `json:"ids,omitempty"`
	// Public keys to add, with the purposes they should be applied to.
	// Removal is done via the IDs field instead.
	PublicKeys []VmWithPurpose `json:"publicKeys,omitempty"`
}

// Validate checks that the action is known and its required payload field is
// populated. The application engine itself treats a missing payload as a
// no-op; callers wanting strict rejection use this (or ApplyPatchesStrict).
func (p *Patch) Validate() error {
	switch p.Action {
	case ActionReplace:
		if p.Document == nil {
			return fmt.Errorf("%w: replace patch without document payload", ErrInvalidPatch)
		}
	case ActionAddPublicKeys:
		if len(p.PublicKeys) == 0 {
			return fmt.Errorf("%w: add-public-keys patch without keys", ErrInvalidPatch)
		}
	case ActionRemovePublicKeys, ActionRemoveServices:
		if len(p.IDs) == 0 {
			return fmt.Errorf("%w: %s patch without ids", ErrInvalidPatch, p.Action)
		}
	case ActionAddServices:
		if len(p.Services) == 0 {
			return fmt.Errorf("%w: add-services patch without services", ErrInvalidPatch)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidPatch, string(p.Action))
	}
	return nil
}
