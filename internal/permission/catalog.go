package permission

import (
	"context"
	"fmt"
	"sync"

	"credline/internal/domain"
)

// Store persists catalog edits. Nil store means in-memory only.
type Store interface {
	UpsertRule(ctx context.Context, rule domain.PermissionRule) error
	DeleteRule(ctx context.Context, key string) error
}

// Catalog is the ordered set of permission rules mapping menu/action keys
// to required roles. It is process-wide; sessions evaluate against it
// through an Evaluator.
type Catalog struct {
	mu    sync.RWMutex
	rules []domain.PermissionRule
	store Store
}

func NewCatalog(rules []domain.PermissionRule, store Store) *Catalog {
	c := &Catalog{store: store}
	c.rules = append(c.rules, rules...)
	return c
}

// Rules returns a copy of the catalog in order.
func (c *Catalog) Rules() []domain.PermissionRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.PermissionRule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Rule looks up a rule by key.
func (c *Catalog) Rule(key string) (domain.PermissionRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rule := range c.rules {
		if rule.Key == key {
			return rule, true
		}
	}
	return domain.PermissionRule{}, false
}

// Add appends a rule. Duplicate keys are rejected; a key's meaning must
// stay unambiguous.
func (c *Catalog) Add(ctx context.Context, rule domain.PermissionRule) error {
	if rule.Key == "" {
		return fmt.Errorf("rule key required")
	}
	if len(rule.PrimaryRoles) == 0 {
		return fmt.Errorf("rule %s requires at least one primary role", rule.Key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.rules {
		if existing.Key == rule.Key {
			return fmt.Errorf("rule %s already exists", rule.Key)
		}
	}
	if c.store != nil {
		if err := c.store.UpsertRule(ctx, rule); err != nil {
			return err
		}
	}
	c.rules = append(c.rules, rule)
	return nil
}

// Remove deletes a rule by key.
func (c *Catalog) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx, rule := range c.rules {
		if rule.Key == key {
			if c.store != nil {
				if err := c.store.DeleteRule(ctx, key); err != nil {
					return err
				}
			}
			c.rules = append(c.rules[:idx], c.rules[idx+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule %s not found", key)
}

// RuleUpdate is a partial update; nil fields are left unchanged.
type RuleUpdate struct {
	PrimaryRoles   *[]string
	SecondaryRoles *[]string
}

// Update modifies a rule in place, keeping its catalog position.
func (c *Catalog) Update(ctx context.Context, key string, update RuleUpdate) (domain.PermissionRule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx, rule := range c.rules {
		if rule.Key != key {
			continue
		}
		if update.PrimaryRoles != nil {
			if len(*update.PrimaryRoles) == 0 {
				return domain.PermissionRule{}, fmt.Errorf("rule %s requires at least one primary role", key)
			}
			rule.PrimaryRoles = *update.PrimaryRoles
		}
		if update.SecondaryRoles != nil {
			rule.SecondaryRoles = *update.SecondaryRoles
		}
		if c.store != nil {
			if err := c.store.UpsertRule(ctx, rule); err != nil {
				return domain.PermissionRule{}, err
			}
		}
		c.rules[idx] = rule
		return rule, nil
	}
	return domain.PermissionRule{}, fmt.Errorf("rule %s not found", key)
}
