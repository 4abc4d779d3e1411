package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"credline/internal/config"
	"credline/internal/db"
	"credline/internal/domain"
	"credline/internal/gateway"
	"credline/internal/guard"
	"credline/internal/migrate"
	"credline/internal/permission"
	"credline/internal/repo"
	"credline/internal/server"
	"credline/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Credline CLI",
	Long: `Credline coordinates permission-gated navigation and cartable workflow state
for a banking approval front end.
- Permission rules map menu/action keys to required roles from two namespaces.
- The navigation guard decides allow/redirect for every route transition.
- Cartable items move through the approval workflow via the remote backend.
- The event log records guard redirects, catalog edits, and workflow actions.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CREDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(menuCmd())
	rootCmd.AddCommand(guardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage credline.yml",
		Long:  "Config carries the route table, permission catalog seed, menu tree, guard paths, and upstream gateway settings.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default credline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate credline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{
		Use:   "rule",
		Short: "Manage the permission catalog",
		Long:  "Rules map a menu/action key to the roles that unlock it. A key with no rule is open by default; rules only narrow access.",
	}
	rule.AddCommand(ruleListCmd())
	rule.AddCommand(ruleAddCmd())
	rule.AddCommand(ruleUpdateCmd())
	rule.AddCommand(ruleRemoveCmd())
	return rule
}

func ruleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List permission rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *permission.Catalog) error {
				rules := c.Rules()
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"KEY", "PRIMARY ROLES", "SECONDARY ROLES"})
				for _, r := range rules {
					t.AppendRow(table.Row{r.Key, strings.Join(r.PrimaryRoles, ","), strings.Join(r.SecondaryRoles, ",")})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func ruleAddCmd() *cobra.Command {
	var rule domain.PermissionRule
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a permission rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *permission.Catalog) error {
				if err := c.Add(ctx, rule); err != nil {
					return err
				}
				return printJSON(rule)
			})
		},
	}
	cmd.Flags().StringVar(&rule.Key, "key", "", "permission key")
	cmd.Flags().StringSliceVar(&rule.PrimaryRoles, "primary", nil, "primary roles (any-of)")
	cmd.Flags().StringSliceVar(&rule.SecondaryRoles, "secondary", nil, "secondary roles (any-of, optional)")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("primary")
	return cmd
}

func ruleUpdateCmd() *cobra.Command {
	var key string
	var primary, secondary []string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a permission rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *permission.Catalog) error {
				var update permission.RuleUpdate
				if cmd.Flags().Changed("primary") {
					update.PrimaryRoles = &primary
				}
				if cmd.Flags().Changed("secondary") {
					update.SecondaryRoles = &secondary
				}
				rule, err := c.Update(ctx, key, update)
				if err != nil {
					return err
				}
				return printJSON(rule)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "permission key")
	cmd.Flags().StringSliceVar(&primary, "primary", nil, "primary roles")
	cmd.Flags().StringSliceVar(&secondary, "secondary", nil, "secondary roles")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func ruleRemoveCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a permission rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *permission.Catalog) error {
				return c.Remove(ctx, key)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "permission key")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func menuCmd() *cobra.Command {
	var roles, lotusRoles []string
	cmd := &cobra.Command{
		Use:   "menu",
		Short: "Show the menu visible to a role set",
		Long:  "Filters the configured menu tree against the catalog using the given roles. With no roles, unknown keys still show (fail-open).",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return withCatalog(cmd.Context(), func(ctx context.Context, c *permission.Catalog) error {
				reg := session.NewRegistry()
				if err := reg.Populate(roles, lotusRoles); err != nil {
					return err
				}
				eval := permission.Evaluator{Catalog: c, Registry: reg}
				filtered := eval.FilterMenu(menuFromConfig(cfg.Menu))
				if viper.GetBool("json") {
					return printJSON(filtered)
				}
				printMenu(filtered, "")
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "primary roles")
	cmd.Flags().StringSliceVar(&lotusRoles, "lotus-role", nil, "secondary roles")
	return cmd
}

func guardCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "guard",
		Short: "Navigation guard checks",
	}
	g.AddCommand(guardCheckCmd())
	return g
}

func guardCheckCmd() *cobra.Command {
	var target string
	var roles, lotusRoles []string
	var username string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a route transition for a role set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return withCatalog(cmd.Context(), func(ctx context.Context, c *permission.Catalog) error {
				g := &guard.Guard{
					Catalog:       c,
					Routes:        routesFromConfig(cfg.Routes),
					PathTable:     cfg.Guard.PathPermissions,
					BypassPaths:   cfg.Guard.BypassPaths,
					LoginPath:     cfg.Guard.LoginPath,
					ForbiddenPath: cfg.Guard.ForbiddenPath,
				}
				sess := session.New(username)
				sess.Init = staticInit{principal: domain.Principal{
					Username:       username,
					PrimaryRoles:   roles,
					SecondaryRoles: lotusRoles,
				}}
				if err := sess.Registry.Populate(roles, lotusRoles); err != nil {
					return err
				}
				decision := g.Decide(ctx, sess, target)
				if viper.GetBool("json") {
					return printJSON(decision)
				}
				fmt.Printf("outcome: %s\n", decision.Outcome)
				if decision.RedirectTo != "" {
					fmt.Printf("redirect: %s (%s)\n", decision.RedirectTo, decision.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "path", "", "target route path")
	cmd.Flags().StringVar(&username, "username", "local-user", "principal username")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "primary roles")
	cmd.Flags().StringSliceVar(&lotusRoles, "lotus-role", nil, "secondary roles")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

// staticInit is a pre-settled initializer for offline guard checks.
type staticInit struct {
	principal domain.Principal
}

func (s staticInit) Initialize(context.Context) {}
func (s staticInit) Wait(context.Context) (domain.Principal, error) {
	return s.principal, nil
}
func (s staticInit) Initialized() bool { return true }
func (s staticInit) Reset()            {}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Guard redirects, catalog edits, session drops, and workflow submissions land here.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "TS", "TYPE", "ENTITY", "ACTOR"})
				for _, evt := range events {
					t.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if secret := os.Getenv("CREDLINE_JWT_SECRET"); secret != "" {
				cfg.Auth.JWTSecret = secret
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("CREDLINE_JWT_SECRET or auth.jwt_secret is required for bearer auth")
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Config:   cfg,
				DB:       conn,
				Gateway:  gateway.New(cfg),
				BasePath: basePath,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Credline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// withCatalog opens the persisted catalog, seeding it from config on an
// empty database.
func withCatalog(ctx context.Context, fn func(context.Context, *permission.Catalog) error) error {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		if err := r.SeedRules(ctx, rulesFromConfig(cfg.Permissions)); err != nil {
			return err
		}
		rules, err := r.ListRules(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, permission.NewCatalog(rules, r))
	})
}

func rulesFromConfig(rules []config.RuleConfig) []domain.PermissionRule {
	var out []domain.PermissionRule
	for _, r := range rules {
		out = append(out, domain.PermissionRule{
			Key:            r.Key,
			PrimaryRoles:   r.PrimaryRoles,
			SecondaryRoles: r.SecondaryRoles,
		})
	}
	return out
}

func routesFromConfig(routes []config.RouteConfig) []domain.RouteDescriptor {
	var out []domain.RouteDescriptor
	for _, r := range routes {
		out = append(out, domain.RouteDescriptor{
			Path:          r.Path,
			RequiresAuth:  r.RequiresAuth,
			PermissionKey: r.PermissionKey,
		})
	}
	return out
}

func menuFromConfig(items []config.MenuItemConfig) []domain.MenuNode {
	var out []domain.MenuNode
	for _, item := range items {
		out = append(out, domain.MenuNode{
			Title:         item.Title,
			Icon:          item.Icon,
			To:            item.To,
			PermissionKey: item.PermissionKey,
			Children:      menuFromConfig(item.Children),
		})
	}
	return out
}

func printMenu(nodes []domain.MenuNode, prefix string) {
	for i, node := range nodes {
		connector := "├── "
		childPrefix := prefix + "│   "
		if i == len(nodes)-1 {
			connector = "└── "
			childPrefix = prefix + "    "
		}
		target := node.To
		if target == "" {
			target = "-"
		}
		fmt.Printf("%s%s%s (%s)\n", prefix, connector, node.Title, target)
		printMenu(node.Children, childPrefix)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
