package server

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"credline/internal/bootstrap"
	"credline/internal/cartable"
	"credline/internal/config"
	"credline/internal/domain"
	"credline/internal/events"
	"credline/internal/gateway"
	"credline/internal/guard"
	"credline/internal/permission"
	"credline/internal/repo"
	"credline/internal/session"
)

// Config for the HTTP API handler.
type Config struct {
	Config   *config.Config
	DB       *sql.DB
	Gateway  *gateway.Client
	BasePath string
	Logger   *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unauthorized"`
	Message string         `json:"message" example:"authentication required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type api struct {
	cfg      *config.Config
	repo     repo.Repo
	events   events.Writer
	catalog  *permission.Catalog
	guard    *guard.Guard
	sessions *session.Manager
	gateway  *gateway.Client
	menu     []domain.MenuNode
	logger   *log.Logger
}

// New returns an HTTP handler exposing the Credline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	r := repo.Repo{DB: cfg.DB}
	seed := configRules(cfg.Config)
	if err := r.SeedRules(context.Background(), seed); err != nil {
		return nil, err
	}
	rules, err := r.ListRules(context.Background())
	if err != nil {
		return nil, err
	}
	catalog := permission.NewCatalog(rules, r)

	g := &guard.Guard{
		Catalog:       catalog,
		Routes:        configRoutes(cfg.Config),
		PathTable:     cfg.Config.Guard.PathPermissions,
		BypassPaths:   cfg.Config.Guard.BypassPaths,
		LoginPath:     cfg.Config.Guard.LoginPath,
		ForbiddenPath: cfg.Config.Guard.ForbiddenPath,
	}

	policy := cfg.Config.Bootstrap.Policy
	base := cfg.Gateway
	sessions := session.NewManager(cfg.Config.Session.MaxEntries, cfg.Config.Session.TTLMinutes,
		func(subject, token string) *session.Session {
			sess := session.New(subject)
			init := bootstrap.New(base.WithToken(token), sess.Registry, sess.Refs, policy)
			init.Logger = logger
			sess.Init = init
			return sess
		})

	a := &api{
		cfg:      cfg.Config,
		repo:     r,
		events:   events.Writer{DB: cfg.DB},
		catalog:  catalog,
		guard:    g,
		sessions: sessions,
		gateway:  base,
		menu:     configMenu(cfg.Config.Menu),
		logger:   logger,
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, authConfig(cfg.Config)))
	hcfg := huma.DefaultConfig("Credline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	registerHealth(group)
	a.registerSession(group)
	a.registerNavigation(group)
	a.registerMenu(group)
	a.registerReference(group)
	a.registerRules(group)
	a.registerCartable(group)
	a.registerEvents(group)
	a.registerDevAuth(group)

	startWebhookDispatcher(a)

	return router, nil
}

func authConfig(cfg *config.Config) AuthConfig {
	return AuthConfig{
		JWTSecret:     cfg.Auth.JWTSecret,
		DevLogin:      cfg.Auth.DevLogin,
		TokenTTLHours: cfg.Auth.TokenTTLHours,
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve cartable.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error(), nil)
	}
	var se cartable.StateError
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "terminal_state", se.Error(), map[string]any{"status": se.Status})
	}
	var ue *gateway.Error
	if errors.As(err, &ue) {
		switch ue.Status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
			return newAPIError(ue.Status, "upstream_rejected", ue.Error(), nil)
		default:
			return newAPIError(http.StatusBadGateway, "upstream_error", ue.Error(), nil)
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not found"):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// sessionFor resolves the caller's session and a gateway client carrying
// the caller's upstream credential.
func (a *api) sessionFor(ctx context.Context) (*session.Session, *gateway.Client, huma.StatusError) {
	p, authErr := requirePrincipal(ctx)
	if authErr != nil {
		return nil, nil, authErr
	}
	sess := a.sessions.Get(p.Subject, p.Token)
	return sess, a.gateway.WithToken(p.Token), nil
}

// loadCartable returns the session's working copy of a cartable, fetching
// and caching it on first access.
func (a *api) loadCartable(ctx context.Context, sess *session.Session, gw *gateway.Client, trackingCode string) (*domain.Cartable, error) {
	if item, ok := sess.Cartable(trackingCode); ok {
		return item, nil
	}
	item, err := gw.FetchCartable(ctx, trackingCode)
	if err != nil {
		return nil, err
	}
	sess.PutCartable(&item)
	return &item, nil
}

// requireAdminKey gates catalog and audit administration behind the flow
// management permission.
func (a *api) requireAdminKey(sess *session.Session) huma.StatusError {
	eval := permission.Evaluator{Catalog: a.catalog, Registry: sess.Registry}
	if !eval.HasPermission("flow_management") {
		return newAPIError(http.StatusForbidden, "forbidden", "flow management permission required", nil)
	}
	return nil
}

func configRules(cfg *config.Config) []domain.PermissionRule {
	var rules []domain.PermissionRule
	for _, rc := range cfg.Permissions {
		rules = append(rules, domain.PermissionRule{
			Key:            rc.Key,
			PrimaryRoles:   rc.PrimaryRoles,
			SecondaryRoles: rc.SecondaryRoles,
		})
	}
	return rules
}

func configRoutes(cfg *config.Config) []domain.RouteDescriptor {
	var routes []domain.RouteDescriptor
	for _, rc := range cfg.Routes {
		routes = append(routes, domain.RouteDescriptor{
			Path:          rc.Path,
			RequiresAuth:  rc.RequiresAuth,
			PermissionKey: rc.PermissionKey,
		})
	}
	return routes
}

func configMenu(items []config.MenuItemConfig) []domain.MenuNode {
	var nodes []domain.MenuNode
	for _, item := range items {
		nodes = append(nodes, domain.MenuNode{
			Title:         item.Title,
			Icon:          item.Icon,
			To:            item.To,
			PermissionKey: item.PermissionKey,
			Children:      configMenu(item.Children),
		})
	}
	return nodes
}
