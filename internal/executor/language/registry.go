package language

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sakif/polyglot-runner/internal/apperror"
)

// Registry maps language identifiers and aliases to descriptors.
//
// It is filled once by NewRegistry and never mutated afterwards, so concurrent
// pipelines read it without locks.
type Registry struct {
	byName map[string]Descriptor
	ids    []string
}

// NewRegistry validates descs and indexes them by id and alias.
// Identifiers are case-insensitive; a name claimed twice is an error.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]Descriptor, len(descs)*2)}

	for _, d := range descs {
		if err := d.validate(nil); err != nil {
			return nil, err
		}
		d = d.clone()
		d.ID = normalize(d.ID)

		names := append([]string{d.ID}, d.Aliases...)
		for _, name := range names {
			key := normalize(name)
			if key == "" {
				return nil, fmt.Errorf("language %q: empty alias", d.ID)
			}
			if prev, ok := r.byName[key]; ok {
				return nil, fmt.Errorf("language name %q registered by both %q and %q", key, prev.ID, d.ID)
			}
			r.byName[key] = d
		}
		r.ids = append(r.ids, d.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Lookup resolves an identifier or alias. A miss is a validation error.
func (r *Registry) Lookup(id string) (Descriptor, error) {
	d, ok := r.byName[normalize(id)]
	if !ok {
		return Descriptor{}, apperror.Unsupported(strings.TrimSpace(id))
	}
	return d.clone(), nil
}

// Languages returns every registered descriptor sorted by id.
func (r *Registry) Languages() []Descriptor {
	out := make([]Descriptor, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byName[id].clone())
	}
	return out
}

// Validate checks that every template variable used by a descriptor is either
// built in or defined by tc. Run it once at startup after the toolchain is final.
func (r *Registry) Validate(tc Toolchain) error {
	for _, id := range r.ids {
		if err := r.byName[id].validate(tc); err != nil {
			return err
		}
	}
	return nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
