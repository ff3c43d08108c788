package skills

import "fmt"

// Router picks the skill for a job. A client-supplied skill code always wins;
// otherwise every non-fallback skill is scored and the best one is used
// unless it stays below the threshold, in which case the fallback skill runs
// and the returned reason says why.
type Router struct {
	registry          *Registry
	fallbackThreshold float64
}

// NewRouter returns a router over registry with the given fallback threshold.
func NewRouter(registry *Registry, fallbackThreshold float64) *Router {
	return &Router{registry: registry, fallbackThreshold: fallbackThreshold}
}

// Select resolves the skill for the given requirement and input file names.
// The second return value is the fallback reason; it is empty whenever a
// skill was chosen on its own merit or explicitly requested. Ties go to the
// earlier-registered skill.
func (r *Router) Select(requirement string, files []string, skillCode string) (Skill, string, error) {
	if skillCode != "" {
		skill, err := r.registry.Get(skillCode)
		if err != nil {
			return nil, "", err
		}
		return skill, "", nil
	}

	var (
		best      Skill
		bestScore float64
	)
	for _, skill := range r.registry.All() {
		if skill.Descriptor().Code == FallbackCode {
			continue
		}
		if score := skill.Score(requirement, files); best == nil || score > bestScore {
			best, bestScore = skill, score
		}
	}

	if best == nil {
		fallback, err := r.registry.Get(FallbackCode)
		if err != nil {
			return nil, "", err
		}
		return fallback, "no skill registered, fallback to general-default", nil
	}
	if bestScore < r.fallbackThreshold {
		fallback, err := r.registry.Get(FallbackCode)
		if err != nil {
			return nil, "", err
		}
		reason := fmt.Sprintf("max score %.2f below threshold %.2f", bestScore, r.fallbackThreshold)
		return fallback, reason, nil
	}
	return best, "", nil
}
