// Package estimation scores the complexity of planned work and measures how
// well estimates track what a task actually consumed.
package estimation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validation errors.
var (
	ErrInvalidUnit       = errors.New("invalid semantic unit")
	ErrDuplicateUnit     = errors.New("duplicate unit id")
	ErrUnknownDependency = errors.New("dependency references unknown unit")
	ErrDependencyCycle   = errors.New("unit dependencies form a cycle")
)

// SemanticUnit is a decomposed sub-piece of a task's work.
type SemanticUnit struct {
	ID                   string   `json:"unit_id"`
	Description          string   `json:"description"`
	APIInteractions      int      `json:"api_interactions"`
	DataTransformations  int      `json:"data_transformations"`
	LogicalBranches      int      `json:"logical_branches"`
	CodeEntitiesModified int      `json:"code_entities_modified"`
	NoveltyMultiplier    float64  `json:"novelty_multiplier"`
	Dependencies         []string `json:"dependencies,omitempty"`
}

// Validate checks one unit's factor ranges.
func (u SemanticUnit) Validate() error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("%w: unit_id is required", ErrInvalidUnit)
	}
	if u.APIInteractions < 0 || u.DataTransformations < 0 || u.LogicalBranches < 0 || u.CodeEntitiesModified < 0 {
		return fmt.Errorf("%w: %s has a negative factor", ErrInvalidUnit, u.ID)
	}
	if u.NoveltyMultiplier < 1.0 {
		return fmt.Errorf("%w: %s novelty_multiplier %.2f is below 1.0", ErrInvalidUnit, u.ID, u.NoveltyMultiplier)
	}
	return nil
}

// ValidateUnits checks every unit, id uniqueness, dependency references and
// that the dependency graph is acyclic. An empty set is valid.
func ValidateUnits(units []SemanticUnit) error {
	byID := make(map[string]SemanticUnit, len(units))
	for _, u := range units {
		if err := u.Validate(); err != nil {
			return err
		}
		if _, dup := byID[u.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateUnit, u.ID)
		}
		byID[u.ID] = u
	}
	for _, u := range units {
		for _, dep := range u.Dependencies {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, u.ID, dep)
			}
		}
	}
	if cycle := findCycle(byID); len(cycle) > 0 {
		return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> "))
	}
	return nil
}

// findCycle runs a colored DFS in id order and returns the first cycle found.
func findCycle(byID map[string]SemanticUnit) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(byID))
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var stack []string
	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		deps := append([]string(nil), byID[id].Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						break
					}
				}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
