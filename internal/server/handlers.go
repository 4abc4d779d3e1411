package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"credline/internal/bootstrap"
	"credline/internal/cartable"
	"credline/internal/domain"
	"credline/internal/events"
	"credline/internal/guard"
	"credline/internal/permission"
	"credline/internal/session"
)

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (a *api) registerSession(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "bootstrap-session",
		Method:      http.MethodPost,
		Path:        "/session/bootstrap",
		Summary:     "Run session bootstrap",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		sess, _, authErr := a.sessionFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sess.Init.Initialize(ctx)
		principal, err := sess.Init.Wait(ctx)
		if err != nil {
			_ = a.events.Append(ctx, "session.bootstrap_failed", "session", sess.Subject, sess.Subject, events.EventPayload{
				"error": err.Error(),
			})
			return nil, handleError(err)
		}
		_ = a.events.Append(ctx, "session.bootstrapped", "session", sess.Subject, sess.Subject, events.EventPayload{
			"guest":        principal.Guest,
			"roles_loaded": sess.Registry.Loaded(),
		})
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: a.sessionResponse(sess, principal)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/session",
		Summary:     "Current session state",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		sess, _, authErr := a.sessionFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		principal, _ := sess.Init.Wait(ctx)
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: a.sessionResponse(sess, principal)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "drop-session",
		Method:      http.MethodDelete,
		Path:        "/session",
		Summary:     "Drop session (logout)",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a.sessions.Drop(p.Subject)
		_ = a.events.Append(ctx, "session.dropped", "session", p.Subject, p.Subject, nil)
		return &struct{}{}, nil
	})
}

func (a *api) sessionResponse(sess *session.Session, principal domain.Principal) SessionResponse {
	return SessionResponse{
		Subject:     sess.Subject,
		State:       bootstrapState(sess.Init),
		Principal:   principal,
		RolesLoaded: sess.Registry.Loaded(),
	}
}

func bootstrapState(init session.Initializer) string {
	if s, ok := init.(interface{ State() bootstrap.State }); ok {
		return s.State().String()
	}
	if init.Initialized() {
		return bootstrap.StateCompleted.String()
	}
	return bootstrap.StateNotStarted.String()
}

func (a *api) registerNavigation(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "decide-navigation",
		Method:      http.MethodPost,
		Path:        "/navigation/decide",
		Summary:     "Evaluate a route transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body NavigationRequest `json:"body"`
	}) (*struct {
		Body guard.Decision `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Path) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "path is required", nil)
		}
		sess, _, authErr := a.sessionFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		decision := a.guard.Decide(ctx, sess, input.Body.Path)
		if decision.Outcome == guard.OutcomeRedirected {
			_ = a.events.Append(ctx, "guard.redirect", "route", input.Body.Path, sess.Subject, events.EventPayload{
				"reason":      decision.Reason,
				"redirect_to": decision.RedirectTo,
			})
		}
		return &struct {
			Body guard.Decision `json:"body"`
		}{Body: decision}, nil
	})
}

func (a *api) registerMenu(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-menu",
		Method:      http.MethodGet,
		Path:        "/menu",
		Summary:     "Menu visible to the session",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.MenuNode `json:"body"`
	}, error) {
		sess, _, authErr := a.sessionFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sess.Init.Initialize(ctx)
		if _, err := sess.Init.Wait(ctx); err != nil {
			return nil, handleError(err)
		}
		eval := permission.Evaluator{Catalog: a.catalog, Registry: sess.Registry}
		filtered := eval.FilterMenu(a.menu)
		if filtered == nil {
			filtered = []domain.MenuNode{}
		}
		return &struct {
			Body []domain.MenuNode `json:"body"`
		}{Body: filtered}, nil
	})
}

func (a *api) registerReference(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-reference",
		Method:      http.MethodGet,
		Path:        "/reference/{kind}",
		Summary:     "Reference data list",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
	}) (*struct {
		Body []domain.ReferenceItem `json:"body"`
	}, error) {
		if !knownReferenceKind(input.Kind) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown reference kind "+input.Kind, nil)
		}
		sess, gw, authErr := a.sessionFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items := sess.Refs.Get(input.Kind)
		if items == nil {
			var err error
			items, err = gw.FetchReferenceData(ctx, input.Kind)
			if err != nil {
				return nil, handleError(err)
			}
			sess.Refs.Set(input.Kind, items)
		}
		if items == nil {
			items = []domain.ReferenceItem{}
		}
		return &struct {
			Body []domain.ReferenceItem `json:"body"`
		}{Body: items}, nil
	})
}

func knownReferenceKind(kind string) bool {
	for _, k := range domain.ReferenceKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (a *api) registerRules(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/permissions/rules",
		Summary:     "List permission rules",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.PermissionRule `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body []domain.PermissionRule `json:"body"`
		}{Body: a.catalog.Rules()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-rule",
		Method:        http.MethodPost,
		Path:          "/permissions/rules",
		Summary:       "Add permission rule",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body domain.PermissionRule `json:"body"`
	}) (*struct {
		Body domain.PermissionRule `json:"body"`
	}, error) {
		sess, _, authErr := a.sessionFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.requireAdminKey(sess); err != nil {
			return nil, err
		}
		if err := a.catalog.Add(ctx, input.Body); err != nil {
			return nil, handleError(err)
		}
		_ = a.events.Append(ctx, "catalog.rule_added", "rule", input.Body.Key, sess.Subject, nil)
		return &struct {
			Body domain.PermissionRule `json:"body"`
		}{Body: input.Body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/permissions/rules/{key}",
		Summary:     "Update permission rule",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Key  string            `path:"key"`
		Body RuleUpdateRequest `json:"body"`
	}) (*struct {
		Body domain.PermissionRule `json:"body"`
	}, error) {
		sess, _, authErr := a.sessionFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.requireAdminKey(sess); err != nil {
			return nil, err
		}
		rule, err := a.catalog.Update(ctx, input.Key, permission.RuleUpdate{
			PrimaryRoles:   input.Body.PrimaryRoles,
			SecondaryRoles: input.Body.SecondaryRoles,
		})
		if err != nil {
			return nil, handleError(err)
		}
		_ = a.events.Append(ctx, "catalog.rule_updated", "rule", input.Key, sess.Subject, nil)
		return &struct {
			Body domain.PermissionRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-rule",
		Method:      http.MethodDelete,
		Path:        "/permissions/rules/{key}",
		Summary:     "Remove permission rule",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct{}, error) {
		sess, _, authErr := a.sessionFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.requireAdminKey(sess); err != nil {
			return nil, err
		}
		if err := a.catalog.Remove(ctx, input.Key); err != nil {
			return nil, handleError(err)
		}
		_ = a.events.Append(ctx, "catalog.rule_removed", "rule", input.Key, sess.Subject, nil)
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-permission",
		Method:      http.MethodGet,
		Path:        "/permissions/check",
		Summary:     "Evaluate a permission key for the session",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Key string `query:"key"`
	}) (*struct {
		Body PermissionCheckResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Key) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "key is required", nil)
		}
		sess, _, authErr := a.sessionFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		eval := permission.Evaluator{Catalog: a.catalog, Registry: sess.Registry}
		return &struct {
			Body PermissionCheckResponse `json:"body"`
		}{Body: PermissionCheckResponse{
			Key:       input.Key,
			Permitted: eval.HasPermission(input.Key),
			Loaded:    sess.Registry.Loaded(),
		}}, nil
	})
}

func (a *api) registerCartable(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-cartable",
		Method:      http.MethodGet,
		Path:        "/cartables/{tracking_code}",
		Summary:     "Load a cartable item",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		TrackingCode string `path:"tracking_code"`
		Refresh      bool   `query:"refresh"`
	}) (*struct {
		Body domain.Cartable `json:"body"`
	}, error) {
		sess, gw, authErr := a.sessionFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		unlock := sess.LockCartable(input.TrackingCode)
		defer unlock()
		if !input.Refresh {
			if item, ok := sess.Cartable(input.TrackingCode); ok {
				return &struct {
					Body domain.Cartable `json:"body"`
				}{Body: *item}, nil
			}
		}
		item, err := gw.FetchCartable(ctx, input.TrackingCode)
		if err != nil {
			return nil, handleError(err)
		}
		sess.PutCartable(&item)
		return &struct {
			Body domain.Cartable `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-valid-users",
		Method:      http.MethodGet,
		Path:        "/cartables/{tracking_code}/valid-users",
		Summary:     "Eligible users for a referral action",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		TrackingCode string `path:"tracking_code"`
		ActionType   string `query:"action_type"`
	}) (*struct {
		Body []domain.Actor `json:"body"`
	}, error) {
		if !domain.ReferralAction(input.ActionType) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action_type must be a referral action", nil)
		}
		sess, gw, authErr := a.sessionFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		unlock := sess.LockCartable(input.TrackingCode)
		defer unlock()
		item, err := a.loadCartable(ctx, sess, gw, input.TrackingCode)
		if err != nil {
			return nil, handleError(err)
		}
		actors, err := gw.FetchValidActors(ctx, item.ID, input.ActionType, item.RoleCode)
		if err != nil {
			return nil, handleError(err)
		}
		if actors == nil {
			actors = []domain.Actor{}
		}
		return &struct {
			Body []domain.Actor `json:"body"`
		}{Body: actors}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-valid-signers",
		Method:      http.MethodGet,
		Path:        "/cartables/{tracking_code}/valid-signers",
		Summary:     "Eligible replacement signers",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		TrackingCode string `path:"tracking_code"`
	}) (*struct {
		Body []domain.Actor `json:"body"`
	}, error) {
		sess, gw, authErr := a.sessionFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		unlock := sess.LockCartable(input.TrackingCode)
		defer unlock()
		item, err := a.loadCartable(ctx, sess, gw, input.TrackingCode)
		if err != nil {
			return nil, handleError(err)
		}
		signers, err := gw.FetchValidSigners(ctx, item.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if signers == nil {
			signers = []domain.Actor{}
		}
		return &struct {
			Body []domain.Actor `json:"body"`
		}{Body: signers}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-cartable-action",
		Method:      http.MethodPost,
		Path:        "/cartables/{tracking_code}/actions",
		Summary:     "Submit a workflow action",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		TrackingCode string                    `path:"tracking_code"`
		Body         domain.WorkflowSubmission `json:"body"`
	}) (*struct {
		Body domain.Cartable `json:"body"`
	}, error) {
		sess, gw, authErr := a.sessionFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		unlock := sess.LockCartable(input.TrackingCode)
		defer unlock()
		item, err := a.loadCartable(ctx, sess, gw, input.TrackingCode)
		if err != nil {
			return nil, handleError(err)
		}
		engine := cartable.New(gw, a.events, sess.Subject)
		if err := engine.SubmitAction(ctx, item, input.Body); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cartable `json:"body"`
		}{Body: *item}, nil
	})
}

func (a *api) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent audit events",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		sess, _, authErr := a.sessionFor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.requireAdminKey(sess); err != nil {
			return nil, err
		}
		evts, err := a.repo.ListEvents(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if evts == nil {
			evts = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

func (a *api) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a development token",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !a.cfg.Auth.DevLogin {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login disabled", nil)
		}
		if strings.TrimSpace(input.Body.Subject) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		token, err := issueToken(authConfig(a.cfg), input.Body.Subject, input.Body.Roles, input.Body.LotusRoles)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
