package didpatch

import (
	"fmt"
	"slices"
)

// ApplyPatches folds an ordered list of patches into the document, in place.
//
// A replace patch is total and exclusive: once one is processed, no further
// patches in the same call are applied. A patch whose action-required
// payload is absent contributes no change (use ApplyPatchesStrict to reject
// such patches instead). Every call leaves the document fully consistent:
// relationship categories reference only by key id, and an emptied category
// collapses back to absent.
//
// Note that the DID document data model allows keys to be referenced by id
// or embedded directly in a relationship list. Patching only supports the
// reference form; embedded entries are carried through untouched.
func ApplyPatches(doc *DidDocument, patches []Patch) {
	for i := range patches {
		p := &patches[i]
		switch p.Action {
		case ActionReplace:
			applyReplace(doc, p)
			// Only honour a single replace patch
			return
		case ActionAddPublicKeys:
			applyAddKeys(doc, p)
		case ActionRemovePublicKeys:
			applyRemoveKeys(doc, p)
		case ActionAddServices:
			if p.Services != nil {
				doc.Service = append(doc.Service, p.Services...)
			}
		case ActionRemoveServices:
			if p.IDs != nil && doc.Service != nil {
				doc.Service = slices.DeleteFunc(doc.Service, func(svc Service) bool {
					return slices.Contains(p.IDs, svc.ID)
				})
			}
		}
	}
}

// ApplyPatchesStrict is ApplyPatches with up-front payload validation: if
// any patch has an unknown action or is missing its action-required payload,
// an error naming the offending patch is returned and the document is left
// unchanged.
func ApplyPatchesStrict(doc *DidDocument, patches []Patch) error {
	for i := range patches {
		if err := patches[i].Validate(); err != nil {
			return fmt.Errorf("patch %d: %w", i, err)
		}
	}
	ApplyPatches(doc, patches)
	return nil
}

// applyReplace rebuilds the verification methods, all five relationship
// categories, and the services from the replacement payload.
func applyReplace(doc *DidDocument, patch *Patch) {
	pdoc := patch.Document
	if pdoc == nil {
		return
	}
	if pdoc.PublicKeys != nil {
		vms := make([]VerificationMethod, 0, len(pdoc.PublicKeys))
		var rels relationshipSet
		for _, k := range pdoc.PublicKeys {
			vms = append(vms, k.VerificationMethod)
			ref := VmRelationship{KeyID: k.ID}
			for _, purpose := range k.Purposes {
				rels.push(purpose, ref)
			}
		}
		doc.VerificationMethod = vms
		rels.flush(doc)
	}
	if pdoc.Services != nil {
		doc.Service = slices.Clone(pdoc.Services)
	}
}

// applyAddKeys appends keys to the method list and references them from the
// relationship categories their purposes name.
func applyAddKeys(doc *DidDocument, patch *Patch) {
	if patch.PublicKeys == nil {
		return
	}
	rels := relationshipsOf(doc)
	for _, k := range patch.PublicKeys {
		doc.VerificationMethod = append(doc.VerificationMethod, k.VerificationMethod)
		ref := VmRelationship{KeyID: k.ID}
		for _, purpose := range k.Purposes {
			rels.push(purpose, ref)
		}
	}
	rels.flush(doc)
}

// applyRemoveKeys removes the identified methods and every reference to
// them, across all five categories.
func applyRemoveKeys(doc *DidDocument, patch *Patch) {
	if patch.IDs == nil {
		return
	}
	if doc.VerificationMethod != nil {
		doc.VerificationMethod = slices.DeleteFunc(doc.VerificationMethod, func(vm VerificationMethod) bool {
			return slices.Contains(patch.IDs, vm.ID)
		})
	}
	rels := relationshipsOf(doc)
	for _, id := range patch.IDs {
		rels.remove(VmRelationship{KeyID: id})
	}
	rels.flush(doc)
}

// relationshipSet is scratch space for relationship bookkeeping during a
// single patch. The DID spec's five parallel optional categories make
// add/remove awkward to do field by field; this aggregate is built fresh
// from the document, mutated, and flushed straight back. It is never held
// across patches.
type relationshipSet struct {
	authentication       []VmRelationship
	assertionMethod      []VmRelationship
	keyAgreement         []VmRelationship
	capabilityDelegation []VmRelationship
	capabilityInvocation []VmRelationship
}

func relationshipsOf(doc *DidDocument) relationshipSet {
	return relationshipSet{
		authentication:       doc.Authentication,
		assertionMethod:      doc.AssertionMethod,
		keyAgreement:         doc.KeyAgreement,
		capabilityDelegation: doc.CapabilityDelegation,
		capabilityInvocation: doc.CapabilityInvocation,
	}
}

// push appends an entry to the category named by purpose. Duplicates are
// preserved; the builder is the only place de-duplication happens.
func (rs *relationshipSet) push(purpose KeyPurpose, ref VmRelationship) {
	switch purpose {
	case PurposeAuthentication:
		rs.authentication = append(rs.authentication, ref)
	case PurposeAssertionMethod:
		rs.assertionMethod = append(rs.assertionMethod, ref)
	case PurposeKeyAgreement:
		rs.keyAgreement = append(rs.keyAgreement, ref)
	case PurposeCapabilityDelegation:
		rs.capabilityDelegation = append(rs.capabilityDelegation, ref)
	case PurposeCapabilityInvocation:
		rs.capabilityInvocation = append(rs.capabilityInvocation, ref)
	}
}

// remove drops every reference to ref's key from all five categories.
func (rs *relationshipSet) remove(ref VmRelationship) {
	drop := func(l []VmRelationship) []VmRelationship {
		return slices.DeleteFunc(l, func(r VmRelationship) bool {
			return r.sameKey(ref)
		})
	}
	rs.authentication = drop(rs.authentication)
	rs.assertionMethod = drop(rs.assertionMethod)
	rs.keyAgreement = drop(rs.keyAgreement)
	rs.capabilityDelegation = drop(rs.capabilityDelegation)
	rs.capabilityInvocation = drop(rs.capabilityInvocation)
}

// flush writes the five lists back into the document, collapsing an empty
// category to absent.
func (rs *relationshipSet) flush(doc *DidDocument) {
	collapse := func(l []VmRelationship) RelationshipList {
		if len(l) == 0 {
			return nil
		}
		return RelationshipList(l)
	}
	doc.Authentication = collapse(rs.authentication)
	doc.AssertionMethod = collapse(rs.assertionMethod)
	doc.KeyAgreement = collapse(rs.keyAgreement)
	doc.CapabilityDelegation = collapse(rs.capabilityDelegation)
	doc.CapabilityInvocation = collapse(rs.capabilityInvocation)
}
