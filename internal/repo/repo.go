package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"credline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ListRules returns persisted permission rules in catalog order.
func (r Repo) ListRules(ctx context.Context) ([]domain.PermissionRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key, primary_roles_json, COALESCE(secondary_roles_json,'') FROM permission_rules ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []domain.PermissionRule
	for rows.Next() {
		var rule domain.PermissionRule
		var primaryJSON, secondaryJSON string
		if err := rows.Scan(&rule.Key, &primaryJSON, &secondaryJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(primaryJSON), &rule.PrimaryRoles); err != nil {
			return nil, fmt.Errorf("rule %s primary roles: %w", rule.Key, err)
		}
		if secondaryJSON != "" {
			if err := json.Unmarshal([]byte(secondaryJSON), &rule.SecondaryRoles); err != nil {
				return nil, fmt.Errorf("rule %s secondary roles: %w", rule.Key, err)
			}
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// UpsertRule inserts or replaces a rule, preserving its position when it
// already exists and appending at the end otherwise.
func (r Repo) UpsertRule(ctx context.Context, rule domain.PermissionRule) error {
	primaryJSON, err := json.Marshal(rule.PrimaryRoles)
	if err != nil {
		return err
	}
	secondary, err := marshalOptional(rule.SecondaryRoles)
	if err != nil {
		return err
	}
	now := r.now()
	var position int
	err = r.DB.QueryRowContext(ctx, `SELECT position FROM permission_rules WHERE key=?`, rule.Key).Scan(&position)
	if err == sql.ErrNoRows {
		if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),-1)+1 FROM permission_rules`).Scan(&position); err != nil {
			return err
		}
		_, err = r.DB.ExecContext(ctx, `INSERT INTO permission_rules(key,primary_roles_json,secondary_roles_json,position,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
			rule.Key, string(primaryJSON), secondary, position, now, now)
		return err
	}
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE permission_rules SET primary_roles_json=?, secondary_roles_json=?, updated_at=? WHERE key=?`,
		string(primaryJSON), secondary, now, rule.Key)
	return err
}

func (r Repo) DeleteRule(ctx context.Context, key string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM permission_rules WHERE key=?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedRules inserts the given rules only when the table is empty, so an
// admin-edited catalog survives restarts.
func (r Repo) SeedRules(ctx context.Context, rules []domain.PermissionRule) error {
	var count int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM permission_rules`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, rule := range rules {
		if err := r.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %s: %w", rule.Key, err)
		}
	}
	return nil
}

func (r Repo) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsAfter returns up to limit events with id greater than cursor, in
// ascending id order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var events []domain.Event
	for rows.Next() {
		var evt domain.Event
		if err := rows.Scan(&evt.ID, &evt.TS, &evt.Type, &evt.EntityKind, &evt.EntityID, &evt.ActorID, &evt.Payload); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func marshalOptional(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
