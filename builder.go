package didpatch

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
)

var (
	// ErrInvalidPatch indicates a patch under construction is malformed: a
	// setter was used against the wrong action, or a required payload is
	// missing at build time.
	ErrInvalidPatch = errors.New("invalid patch")

	// ErrInvalidInput indicates malformed caller input: an identifier with
	// characters outside the permitted class, or a duplicate purpose.
	ErrInvalidInput = errors.New("invalid input")
)

// A key ID can be a DID URL or a path fragment, so this is looser than a
// full DID syntax check.
var keyIDRegexp = regexp.MustCompile(`^[a-zA-Z0-9_\-?#:/=&+%]*$`)

func checkKeyID(id string) error {
	if !keyIDRegexp.MatchString(id) {
		return fmt.Errorf("%w: id contains invalid characters for a key, must be a DID URL or path fragment: %s", ErrInvalidInput, id)
	}
	return nil
}

// Builder assembles and validates a Patch before it reaches the application
// engine. The action is fixed at construction and determines which setters
// are legal; illegal setters fail immediately rather than at Build.
//
// A Builder is single-owner and not safe for concurrent use.
type Builder struct {
	action     Action
	document   *PatchDocument
	services   []Service
	ids        []string
	publicKeys []VmWithPurpose
}

// NewBuilder starts the build of a patch with the intended action. The
// action drives what subsequent setters will accept and the final
// validation on Build.
func NewBuilder(action Action) *Builder {
	return &Builder{action: action}
}

// Document sets the replacement payload. Only valid for a replace action.
func (b *Builder) Document(document *PatchDocument) error {
	if b.action != ActionReplace {
		return fmt.Errorf("%w: a document can only be added to a replace patch", ErrInvalidPatch)
	}
	b.document = document
	return nil
}

// Service appends a service. Only valid for an add-services action.
func (b *Builder) Service(service Service) error {
	if b.action != ActionAddServices {
		return fmt.Errorf("%w: a service can only be added to an add-services patch", ErrInvalidPatch)
	}
	b.services = append(b.services, service)
	return nil
}

// PublicKey appends a key with its purposes. Only valid for an
// add-public-keys action. The key id must match the permitted character
// class, the purposes must not repeat, and the key id must not already be
// present on this builder. Key id uniqueness across separate patches is not
// checked here.
func (b *Builder) PublicKey(key VmWithPurpose) error {
	if b.action != ActionAddPublicKeys {
		return fmt.Errorf("%w: a public key can only be added to an add-public-keys patch", ErrInvalidPatch)
	}
	if err := checkKeyID(key.ID); err != nil {
		return err
	}
	seen := make(map[KeyPurpose]bool, len(key.Purposes))
	for _, p := range key.Purposes {
		if seen[p] {
			return fmt.Errorf("%w: duplicate key purpose: %s", ErrInvalidInput, p)
		}
		seen[p] = true
	}
	for _, k := range b.publicKeys {
		if k.ID == key.ID {
			return fmt.Errorf("%w: duplicate key ID: %s", ErrInvalidPatch, key.ID)
		}
	}
	b.publicKeys = append(b.publicKeys, key)
	return nil
}

// ID appends a key or service id to remove. Only valid for
// remove-public-keys or remove-services actions.
func (b *Builder) ID(id string) error {
	if err := checkKeyID(id); err != nil {
		return err
	}
	if b.action != ActionRemovePublicKeys && b.action != ActionRemoveServices {
		return fmt.Errorf("%w: an ID can only be added to a remove-public-keys or remove-services patch", ErrInvalidPatch)
	}
	if slices.Contains(b.ids, id) {
		return fmt.Errorf("%w: duplicate ID: %s", ErrInvalidPatch, id)
	}
	b.ids = append(b.ids, id)
	return nil
}

// Build validates the action-specific non-emptiness requirement and returns
// a patch with only the action-relevant field populated.
func (b *Builder) Build() (Patch, error) {
	switch b.action {
	case ActionReplace:
		if b.document == nil {
			return Patch{}, fmt.Errorf("%w: a replace patch must contain a patch document", ErrInvalidPatch)
		}
		return Patch{Action: b.action, Document: b.document}, nil
	case ActionAddPublicKeys:
		if len(b.publicKeys) == 0 {
			return Patch{}, fmt.Errorf("%w: an add-public-keys patch must contain at least one key", ErrInvalidPatch)
		}
		return Patch{Action: b.action, PublicKeys: slices.Clone(b.publicKeys)}, nil
	case ActionRemovePublicKeys:
		if len(b.ids) == 0 {
			return Patch{}, fmt.Errorf("%w: a remove-public-keys patch must contain at least one ID", ErrInvalidPatch)
		}
		return Patch{Action: b.action, IDs: slices.Clone(b.ids)}, nil
	case ActionAddServices:
		if len(b.services) == 0 {
			return Patch{}, fmt.Errorf("%w: an add-services patch must contain at least one service", ErrInvalidPatch)
		}
		return Patch{Action: b.action, Services: slices.Clone(b.services)}, nil
	case ActionRemoveServices:
		if len(b.ids) == 0 {
			return Patch{}, fmt.Errorf("%w: a remove-services patch must contain at least one ID", ErrInvalidPatch)
		}
		return Patch{Action: b.action, IDs: slices.Clone(b.ids)}, nil
	default:
		return Patch{}, fmt.Errorf("%w: unknown action %q", ErrInvalidPatch, string(b.action))
	}
}
