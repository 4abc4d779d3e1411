package permission

import (
	"context"
	"reflect"
	"testing"

	"credline/internal/domain"
	"credline/internal/session"
)

func newRegistry(t *testing.T, primary, secondary []string) *session.Registry {
	t.Helper()
	reg := session.NewRegistry()
	if err := reg.Populate(primary, secondary); err != nil {
		t.Fatalf("populate registry: %v", err)
	}
	return reg
}

func TestHasPermissionUnknownKeyAllows(t *testing.T) {
	catalog := NewCatalog([]domain.PermissionRule{
		{Key: "cartable", PrimaryRoles: []string{"SMP_VIEW_CARTABLE"}},
	}, nil)
	eval := Evaluator{Catalog: catalog, Registry: newRegistry(t, nil, nil)}
	if !eval.HasPermission("some_future_feature") {
		t.Fatal("unknown key should be permitted")
	}
}

func TestHasPermissionAnyOfPrimary(t *testing.T) {
	catalog := NewCatalog([]domain.PermissionRule{
		{Key: "cartable", PrimaryRoles: []string{"SMP_VIEW_CARTABLE", "SMP_CARTABLE_OPERATION"}},
	}, nil)
	cases := []struct {
		name  string
		roles []string
		want  bool
	}{
		{"first role", []string{"SMP_VIEW_CARTABLE"}, true},
		{"second role", []string{"SMP_CARTABLE_OPERATION"}, true},
		{"unrelated role", []string{"SMP_REPORT"}, false},
		{"no roles", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eval := Evaluator{Catalog: catalog, Registry: newRegistry(t, tc.roles, nil)}
			if got := eval.HasPermission("cartable"); got != tc.want {
				t.Fatalf("HasPermission = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHasPermissionDualNamespace(t *testing.T) {
	catalog := NewCatalog([]domain.PermissionRule{
		{Key: "signing", PrimaryRoles: []string{"SMP_CARTABLE_OPERATION"}, SecondaryRoles: []string{"LOTUS_SIGNER"}},
	}, nil)
	cases := []struct {
		name      string
		primary   []string
		secondary []string
		want      bool
	}{
		{"both namespaces", []string{"SMP_CARTABLE_OPERATION"}, []string{"LOTUS_SIGNER"}, true},
		{"primary only", []string{"SMP_CARTABLE_OPERATION"}, nil, false},
		{"secondary only", nil, []string{"LOTUS_SIGNER"}, false},
		{"secondary in wrong namespace", []string{"SMP_CARTABLE_OPERATION", "LOTUS_SIGNER"}, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eval := Evaluator{Catalog: catalog, Registry: newRegistry(t, tc.primary, tc.secondary)}
			if got := eval.HasPermission("signing"); got != tc.want {
				t.Fatalf("HasPermission = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHasPermissionUnloadedRegistryDenies(t *testing.T) {
	catalog := NewCatalog([]domain.PermissionRule{
		{Key: "cartable", PrimaryRoles: []string{"SMP_VIEW_CARTABLE"}},
	}, nil)
	eval := Evaluator{Catalog: catalog, Registry: session.NewRegistry()}
	if eval.HasPermission("cartable") {
		t.Fatal("rule with required roles should deny before roles load")
	}
	if !eval.HasPermission("unlisted") {
		t.Fatal("unknown key stays permitted regardless of load state")
	}
}

func TestFilterMenuPreservesOrderAndParents(t *testing.T) {
	catalog := NewCatalog([]domain.PermissionRule{
		{Key: "approval_new", PrimaryRoles: []string{"SMP_CREATE_APPROVAL"}},
		{Key: "cartable", PrimaryRoles: []string{"SMP_VIEW_CARTABLE"}},
		{Key: "flow_management", PrimaryRoles: []string{"SMP_CREATE_FLOW_MNG"}},
	}, nil)
	tree := []domain.MenuNode{
		{Title: "Dashboard", To: "/dashboard"},
		{Title: "New approval", To: "/approval", PermissionKey: "approval_new"},
		{Title: "Cartable", To: "/cartable", PermissionKey: "cartable"},
		{Title: "Basic information", PermissionKey: "flow_management", Children: []domain.MenuNode{
			{Title: "Role management", To: "/base/role-managment", PermissionKey: "flow_management"},
		}},
	}

	eval := Evaluator{Catalog: catalog, Registry: newRegistry(t, []string{"SMP_VIEW_CARTABLE"}, nil)}
	got := eval.FilterMenu(tree)
	wantTitles := []string{"Dashboard", "Cartable"}
	var titles []string
	for _, node := range got {
		titles = append(titles, node.Title)
	}
	if !reflect.DeepEqual(titles, wantTitles) {
		t.Fatalf("filtered titles = %v, want %v", titles, wantTitles)
	}
	if len(tree[3].Children) != 1 {
		t.Fatal("canonical tree mutated by filtering")
	}
}

func TestFilterMenuParentSurvivesForChild(t *testing.T) {
	catalog := NewCatalog([]domain.PermissionRule{
		{Key: "parent_key", PrimaryRoles: []string{"SMP_OTHER"}},
		{Key: "child_key", PrimaryRoles: []string{"SMP_BASIC_INFO"}},
	}, nil)
	tree := []domain.MenuNode{
		{Title: "Parent", PermissionKey: "parent_key", Children: []domain.MenuNode{
			{Title: "Child", To: "/child", PermissionKey: "child_key"},
		}},
	}
	eval := Evaluator{Catalog: catalog, Registry: newRegistry(t, []string{"SMP_BASIC_INFO"}, nil)}
	got := eval.FilterMenu(tree)
	if len(got) != 1 || got[0].Title != "Parent" {
		t.Fatalf("parent with surviving child should remain, got %+v", got)
	}
	if len(got[0].Children) != 1 || got[0].Children[0].Title != "Child" {
		t.Fatalf("child should survive, got %+v", got[0].Children)
	}
}

func TestCatalogAddRejectsDuplicates(t *testing.T) {
	catalog := NewCatalog([]domain.PermissionRule{
		{Key: "cartable", PrimaryRoles: []string{"SMP_VIEW_CARTABLE"}},
	}, nil)
	err := catalog.Add(context.Background(), domain.PermissionRule{Key: "cartable", PrimaryRoles: []string{"SMP_OTHER"}})
	if err == nil {
		t.Fatal("duplicate key should be rejected")
	}
}

func TestCatalogAddRequiresPrimaryRole(t *testing.T) {
	catalog := NewCatalog(nil, nil)
	if err := catalog.Add(context.Background(), domain.PermissionRule{Key: "loose"}); err == nil {
		t.Fatal("rule without primary roles should be rejected")
	}
}

func TestCatalogUpdateKeepsPosition(t *testing.T) {
	catalog := NewCatalog([]domain.PermissionRule{
		{Key: "a", PrimaryRoles: []string{"R1"}},
		{Key: "b", PrimaryRoles: []string{"R2"}},
		{Key: "c", PrimaryRoles: []string{"R3"}},
	}, nil)
	newPrimary := []string{"R2", "R9"}
	if _, err := catalog.Update(context.Background(), "b", RuleUpdate{PrimaryRoles: &newPrimary}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rules := catalog.Rules()
	if rules[1].Key != "b" {
		t.Fatalf("rule b moved, order now %v %v %v", rules[0].Key, rules[1].Key, rules[2].Key)
	}
	if !reflect.DeepEqual(rules[1].PrimaryRoles, newPrimary) {
		t.Fatalf("primary roles = %v, want %v", rules[1].PrimaryRoles, newPrimary)
	}
}

func TestCatalogRemove(t *testing.T) {
	catalog := NewCatalog([]domain.PermissionRule{
		{Key: "a", PrimaryRoles: []string{"R1"}},
	}, nil)
	if err := catalog.Remove(context.Background(), "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := catalog.Remove(context.Background(), "a"); err == nil {
		t.Fatal("removing a missing rule should fail")
	}
}
