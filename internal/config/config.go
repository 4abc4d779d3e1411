package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Bootstrap policies for critical-step failure. "degrade" falls back to a
// guest identity and resolves; "strict" surfaces the failure to waiters.
const (
	PolicyDegrade = "degrade"
	PolicyStrict  = "strict"
)

// Config models credline.yml.
type Config struct {
	App struct {
		Name string `yaml:"name"`
	} `yaml:"app"`
	Auth struct {
		JWTSecret     string `yaml:"jwt_secret"`
		DevLogin      bool   `yaml:"dev_login"`
		TokenTTLHours int    `yaml:"token_ttl_hours"`
	} `yaml:"auth"`
	Bootstrap struct {
		Policy string `yaml:"policy"`
	} `yaml:"bootstrap"`
	Gateway struct {
		BaseURL              string `yaml:"base_url"`
		TimeoutSeconds       int    `yaml:"timeout_seconds"`
		LookupTimeoutSeconds int    `yaml:"lookup_timeout_seconds"`
		CacheSize            int    `yaml:"cache_size"`
		CacheTTLSeconds      int    `yaml:"cache_ttl_seconds"`
	} `yaml:"gateway"`
	Guard struct {
		LoginPath       string            `yaml:"login_path"`
		ForbiddenPath   string            `yaml:"forbidden_path"`
		BypassPaths     []string          `yaml:"bypass_paths"`
		PathPermissions map[string]string `yaml:"path_permissions"`
	} `yaml:"guard"`
	Session struct {
		MaxEntries int `yaml:"max_entries"`
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"session"`
	Routes      []RouteConfig    `yaml:"routes"`
	Permissions []RuleConfig     `yaml:"permissions"`
	Menu        []MenuItemConfig `yaml:"menu"`
	Webhooks    []WebhookConfig  `yaml:"webhooks"`
}

type RouteConfig struct {
	Path          string `yaml:"path"`
	RequiresAuth  bool   `yaml:"requires_auth"`
	PermissionKey string `yaml:"permission_key"`
}

type RuleConfig struct {
	Key            string   `yaml:"key"`
	PrimaryRoles   []string `yaml:"primary_roles"`
	SecondaryRoles []string `yaml:"secondary_roles"`
}

type MenuItemConfig struct {
	Title         string           `yaml:"title"`
	Icon          string           `yaml:"icon"`
	To            string           `yaml:"to"`
	PermissionKey string           `yaml:"permission_key"`
	Children      []MenuItemConfig `yaml:"children"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "credline.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		c.App.Name = "credline"
	}
	switch c.Bootstrap.Policy {
	case "":
		c.Bootstrap.Policy = PolicyDegrade
	case PolicyDegrade, PolicyStrict:
	default:
		return fmt.Errorf("config.bootstrap.policy must be %q or %q", PolicyDegrade, PolicyStrict)
	}
	if c.Guard.LoginPath == "" {
		return fmt.Errorf("config.guard.login_path is required")
	}
	if c.Guard.ForbiddenPath == "" {
		return fmt.Errorf("config.guard.forbidden_path is required")
	}
	seenRules := map[string]bool{}
	for _, rule := range c.Permissions {
		if rule.Key == "" {
			return fmt.Errorf("config.permissions contains a rule with empty key")
		}
		if seenRules[rule.Key] {
			return fmt.Errorf("duplicate permission rule %s", rule.Key)
		}
		seenRules[rule.Key] = true
		if len(rule.PrimaryRoles) == 0 {
			return fmt.Errorf("permission rule %s requires at least one primary role", rule.Key)
		}
		for _, role := range rule.PrimaryRoles {
			if role == "" {
				return fmt.Errorf("permission rule %s has empty primary role", rule.Key)
			}
		}
		for _, role := range rule.SecondaryRoles {
			if role == "" {
				return fmt.Errorf("permission rule %s has empty secondary role", rule.Key)
			}
		}
	}
	seenRoutes := map[string]bool{}
	for _, route := range c.Routes {
		if route.Path == "" {
			return fmt.Errorf("config.routes contains a route with empty path")
		}
		if seenRoutes[route.Path] {
			return fmt.Errorf("duplicate route %s", route.Path)
		}
		seenRoutes[route.Path] = true
	}
	if c.Gateway.TimeoutSeconds <= 0 {
		c.Gateway.TimeoutSeconds = 10
	}
	if c.Gateway.LookupTimeoutSeconds <= 0 {
		// eligibility enumeration is slow on the backend side
		c.Gateway.LookupTimeoutSeconds = 30
	}
	if c.Gateway.CacheSize <= 0 {
		c.Gateway.CacheSize = 64
	}
	if c.Gateway.CacheTTLSeconds <= 0 {
		c.Gateway.CacheTTLSeconds = 300
	}
	if c.Session.MaxEntries <= 0 {
		c.Session.MaxEntries = 512
	}
	if c.Session.TTLMinutes <= 0 {
		c.Session.TTLMinutes = 60
	}
	if c.Auth.TokenTTLHours <= 0 {
		c.Auth.TokenTTLHours = 8
	}
	return nil
}

const defaultTemplate = `app:
  name: credline

auth:
  jwt_secret: ""
  dev_login: false
  token_ttl_hours: 8

bootstrap:
  policy: degrade

gateway:
  base_url: http://localhost:8090
  timeout_seconds: 10
  lookup_timeout_seconds: 30
  cache_size: 64
  cache_ttl_seconds: 300

guard:
  login_path: /auth/login
  forbidden_path: /error/403
  bypass_paths:
    - /test-keycloak
  path_permissions:
    /dashboard: ""
    /approval: approval_new
    /approval/edit: approval_edit
    /cartable: cartable
    /cartable/reference: cartable_operation
    /base/role-managment: flow_management
    /base/department-managment: flow_management
    /report: cartable_report

session:
  max_entries: 512
  ttl_minutes: 60

routes:
  - path: /
    requires_auth: false
  - path: /dashboard
    requires_auth: true
  - path: /approval
    requires_auth: true
    permission_key: approval_new
  - path: /approval/edit
    requires_auth: true
    permission_key: approval_edit
  - path: /cartable
    requires_auth: true
    permission_key: cartable
  - path: /cartable/reference
    requires_auth: true
    permission_key: cartable_operation
  - path: /base/role-managment
    requires_auth: true
    permission_key: flow_management
  - path: /base/department-managment
    requires_auth: true
    permission_key: flow_management
  - path: /report
    requires_auth: true
    permission_key: cartable_report

permissions:
  - key: approval_new
    primary_roles: [SMP_CREATE_APPROVAL]
  - key: approval_edit
    primary_roles: [SMP_EDIT_APPROVAL]
  - key: cartable
    primary_roles: [SMP_VIEW_CARTABLE]
  - key: cartable_operation
    primary_roles: [SMP_CARTABLE_OPERATION]
  - key: cartable_history
    primary_roles: [SMP_CARTABLE_HIST]
  - key: approval_history
    primary_roles: [SMP_APPROVAL_HIST]
  - key: flow_management
    primary_roles: [SMP_CREATE_FLOW_MNG]
  - key: basic_info
    primary_roles: [SMP_BASIC_INFO]
  - key: cartable_report
    primary_roles: [SMP_REPORT]

menu:
  - title: Dashboard
    icon: home
    to: /dashboard
  - title: New approval request
    icon: pencil-plus
    to: /approval
    permission_key: approval_new
  - title: Edit approval request
    icon: bookmark-edit
    to: /approval/edit
    permission_key: approval_edit
  - title: Cartable
    icon: table-share
    to: /cartable
    permission_key: cartable
  - title: Reports
    icon: file-symlink
    to: /report
    permission_key: cartable_report
  - title: Basic information
    icon: database
    permission_key: flow_management
    children:
      - title: Role management
        icon: bookmark-edit
        to: /base/role-managment
        permission_key: flow_management
      - title: Department management
        icon: database
        to: /base/department-managment
        permission_key: flow_management
`
