package skills

import (
	"errors"
	"fmt"
)

// ErrUnknownSkill is returned by Registry.Get for a code no skill claims.
var ErrUnknownSkill = errors.New("unknown skill_code")

// FallbackCode is the code of the skill the router lands on when nothing
// else scores above the threshold.
const FallbackCode = "general-default"

// Registry holds the routable skill set in registration order. The built-in
// skills are registered by NewRegistry; Register can swap one out for tests.
type Registry struct {
	order  []Skill
	byCode map[string]Skill
}

// NewRegistry returns a registry preloaded with the built-in skills.
func NewRegistry() *Registry {
	r := &Registry{byCode: make(map[string]Skill)}
	r.Register(&GeneralDefault{})
	r.Register(&DataAnalysis{})
	r.Register(&PPT{})
	return r
}

// Register adds a skill, replacing any previous skill with the same code
// while keeping its position in the ordering.
func (r *Registry) Register(skill Skill) {
	code := skill.Descriptor().Code
	if _, exists := r.byCode[code]; exists {
		for i, existing := range r.order {
			if existing.Descriptor().Code == code {
				r.order[i] = skill
				break
			}
		}
	} else {
		r.order = append(r.order, skill)
	}
	r.byCode[code] = skill
}

// Get returns the skill registered under code.
func (r *Registry) Get(code string) (Skill, error) {
	skill, ok := r.byCode[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, code)
	}
	return skill, nil
}

// All returns the registered skills in registration order.
func (r *Registry) All() []Skill {
	out := make([]Skill, len(r.order))
	copy(out, r.order)
	return out
}

// Descriptors returns the descriptors of all registered skills in
// registration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, skill := range r.order {
		out = append(out, skill.Descriptor())
	}
	return out
}
