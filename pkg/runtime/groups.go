package runtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ormasoftchile/dito/pkg/schema"
)

// ErrDependencyCycle is returned when the steps' depends_on graph cannot
// be ordered.
var ErrDependencyCycle = errors.New("dependency cycle between steps")

// BuildGroups partitions steps into dependency groups: every step in group
// N depends only on steps in groups < N. Steps keep declaration order
// within a group. A round that places no step while steps remain means the
// remaining steps form a cycle.
func BuildGroups(steps []schema.Step) ([][]*schema.Step, error) {
	placed := make(map[string]bool, len(steps))
	remaining := make([]*schema.Step, 0, len(steps))
	for i := range steps {
		remaining = append(remaining, &steps[i])
	}

	var groups [][]*schema.Step
	for len(remaining) > 0 {
		var group []*schema.Step
		var next []*schema.Step
		for _, s := range remaining {
			if depsPlaced(s, placed) {
				group = append(group, s)
			} else {
				next = append(next, s)
			}
		}
		if len(group) == 0 {
			ids := make([]string, len(next))
			for i, s := range next {
				ids[i] = s.ID
			}
			return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(ids, ", "))
		}
		for _, s := range group {
			placed[s.ID] = true
		}
		groups = append(groups, group)
		remaining = next
	}
	return groups, nil
}

func depsPlaced(s *schema.Step, placed map[string]bool) bool {
	for _, dep := range s.DependsOn {
		if !placed[dep] {
			return false
		}
	}
	return true
}
