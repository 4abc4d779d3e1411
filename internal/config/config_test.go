package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := Default()
	if cfg.Bootstrap.Policy != PolicyDegrade {
		t.Fatalf("default policy = %s, want %s", cfg.Bootstrap.Policy, PolicyDegrade)
	}
	if cfg.Guard.LoginPath != "/auth/login" || cfg.Guard.ForbiddenPath != "/error/403" {
		t.Fatalf("guard paths = %s / %s", cfg.Guard.LoginPath, cfg.Guard.ForbiddenPath)
	}
	if len(cfg.Permissions) == 0 || len(cfg.Routes) == 0 || len(cfg.Menu) == 0 {
		t.Fatal("default config must seed permissions, routes, and menu")
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`guard:
  login_path: /auth/login
  forbidden_path: /error/403
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.App.Name != "credline" {
		t.Fatalf("app name = %s", cfg.App.Name)
	}
	if cfg.Gateway.TimeoutSeconds != 10 || cfg.Gateway.LookupTimeoutSeconds != 30 {
		t.Fatalf("gateway timeouts = %d / %d", cfg.Gateway.TimeoutSeconds, cfg.Gateway.LookupTimeoutSeconds)
	}
	if cfg.Session.MaxEntries != 512 || cfg.Session.TTLMinutes != 60 {
		t.Fatalf("session defaults = %d / %d", cfg.Session.MaxEntries, cfg.Session.TTLMinutes)
	}
	if cfg.Bootstrap.Policy != PolicyDegrade {
		t.Fatalf("policy = %s", cfg.Bootstrap.Policy)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing login path",
			yaml: "guard:\n  forbidden_path: /error/403\n",
			want: "login_path",
		},
		{
			name: "unknown bootstrap policy",
			yaml: "bootstrap:\n  policy: lenient\nguard:\n  login_path: /a\n  forbidden_path: /b\n",
			want: "bootstrap.policy",
		},
		{
			name: "duplicate rule",
			yaml: `guard:
  login_path: /a
  forbidden_path: /b
permissions:
  - key: cartable
    primary_roles: [SMP_VIEW_CARTABLE]
  - key: cartable
    primary_roles: [SMP_OTHER]
`,
			want: "duplicate permission rule",
		},
		{
			name: "rule without primary roles",
			yaml: `guard:
  login_path: /a
  forbidden_path: /b
permissions:
  - key: cartable
`,
			want: "at least one primary role",
		},
		{
			name: "duplicate route",
			yaml: `guard:
  login_path: /a
  forbidden_path: /b
routes:
  - path: /cartable
  - path: /cartable
`,
			want: "duplicate route",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadOptionalMissingFileFallsBack(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if len(cfg.Permissions) == 0 {
		t.Fatal("fallback config should carry the default catalog")
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	workspace := t.TempDir()
	content := `guard:
  login_path: /auth/login
  forbidden_path: /error/403
permissions:
  - key: custom
    primary_roles: [SMP_CUSTOM]
`
	if err := os.WriteFile(filepath.Join(workspace, "credline.yml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Permissions) != 1 || cfg.Permissions[0].Key != "custom" {
		t.Fatalf("permissions = %+v", cfg.Permissions)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("load without config file must error")
	}
}
