package permission

import (
	"credline/internal/domain"
	"credline/internal/session"
)

// Evaluator answers permission questions for one session's role registry
// against the shared catalog. Pure reads, no side effects; callable
// before the registry is loaded (rules with entries then deny, unknown
// keys still allow).
type Evaluator struct {
	Catalog  *Catalog
	Registry *session.Registry
}

// HasPermission evaluates a menu/action key. A key with no matching rule
// is permitted: the catalog only narrows access, it never widens a
// missing entry into a denial.
func (e Evaluator) HasPermission(key string) bool {
	rule, ok := e.Catalog.Rule(key)
	if !ok {
		return true
	}
	if !e.Registry.HasAnyPrimary(rule.PrimaryRoles) {
		return false
	}
	if len(rule.SecondaryRoles) == 0 {
		return true
	}
	return e.Registry.HasAnySecondary(rule.SecondaryRoles)
}

// FilterMenu returns the subset of the menu tree visible to the session.
// A parent survives when itself permitted or when any child survives;
// sibling order is preserved and the canonical tree is never mutated.
func (e Evaluator) FilterMenu(tree []domain.MenuNode) []domain.MenuNode {
	var out []domain.MenuNode
	for _, node := range tree {
		children := e.FilterMenu(node.Children)
		permitted := node.PermissionKey == "" || e.HasPermission(node.PermissionKey)
		if !permitted && len(children) == 0 {
			continue
		}
		node.Children = children
		out = append(out, node)
	}
	return out
}
