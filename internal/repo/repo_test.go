package repo

import (
	"context"
	"reflect"
	"testing"

	"credline/internal/db"
	"credline/internal/domain"
	"credline/internal/events"
	"credline/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func TestSeedRulesOnlyOnEmptyTable(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seed := []domain.PermissionRule{
		{Key: "cartable", PrimaryRoles: []string{"SMP_VIEW_CARTABLE"}},
		{Key: "report", PrimaryRoles: []string{"SMP_REPORT"}},
	}
	if err := r.SeedRules(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	edited := domain.PermissionRule{Key: "cartable", PrimaryRoles: []string{"SMP_ADMIN"}}
	if err := r.UpsertRule(ctx, edited); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// a second seed must not clobber the admin edit
	if err := r.SeedRules(ctx, seed); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	rules, err := r.ListRules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if !reflect.DeepEqual(rules[0].PrimaryRoles, []string{"SMP_ADMIN"}) {
		t.Fatalf("edit lost on reseed: %+v", rules[0])
	}
}

func TestUpsertRulePreservesOrder(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		if err := r.UpsertRule(ctx, domain.PermissionRule{Key: key, PrimaryRoles: []string{"R"}}); err != nil {
			t.Fatalf("upsert %s: %v", key, err)
		}
	}
	if err := r.UpsertRule(ctx, domain.PermissionRule{Key: "b", PrimaryRoles: []string{"R2"}, SecondaryRoles: []string{"S1"}}); err != nil {
		t.Fatalf("update b: %v", err)
	}
	rules, err := r.ListRules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var keys []string
	for _, rule := range rules {
		keys = append(keys, rule.Key)
	}
	if !reflect.DeepEqual(keys, []string{"a", "b", "c"}) {
		t.Fatalf("order = %v, updates must keep position", keys)
	}
	if !reflect.DeepEqual(rules[1].SecondaryRoles, []string{"S1"}) {
		t.Fatalf("secondary roles = %v", rules[1].SecondaryRoles)
	}
}

func TestDeleteRule(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.UpsertRule(ctx, domain.PermissionRule{Key: "a", PrimaryRoles: []string{"R"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := r.DeleteRule(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteRule(ctx, "a"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestEventsAppendAndCursor(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	for _, evtType := range []string{"guard.redirect", "catalog.rule_added", "cartable.action"} {
		if err := w.Append(ctx, evtType, "test", "e1", "user-1", events.EventPayload{"k": "v"}); err != nil {
			t.Fatalf("append %s: %v", evtType, err)
		}
	}
	latest, err := r.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != 3 {
		t.Fatalf("latest id = %d, want 3", latest)
	}
	after, err := r.EventsAfter(ctx, 10, 1)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(after) != 2 || after[0].ID != 2 || after[1].ID != 3 {
		t.Fatalf("events after cursor = %+v", after)
	}
	recent, err := r.ListEvents(ctx, 2)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != 3 {
		t.Fatalf("list events = %+v, want newest first", recent)
	}
}
