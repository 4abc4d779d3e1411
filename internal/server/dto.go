package server

import "credline/internal/domain"

type SessionResponse struct {
	Subject     string           `json:"subject"`
	State       string           `json:"state" enum:"not_started,pending,running,completed,failed"`
	Principal   domain.Principal `json:"principal"`
	RolesLoaded bool             `json:"roles_loaded"`
}

type NavigationRequest struct {
	Path string `json:"path" example:"/cartable"`
}

// RuleUpdateRequest is a partial catalog edit; omitted fields keep their
// current value.
type RuleUpdateRequest struct {
	PrimaryRoles   *[]string `json:"primary_roles,omitempty"`
	SecondaryRoles *[]string `json:"secondary_roles,omitempty"`
}

type PermissionCheckResponse struct {
	Key       string `json:"key"`
	Permitted bool   `json:"permitted"`
	// Loaded distinguishes a real denial from "roles not loaded yet".
	Loaded bool `json:"loaded"`
}

type DevLoginRequest struct {
	Subject    string   `json:"subject"`
	Roles      []string `json:"roles,omitempty"`
	LotusRoles []string `json:"lotus_roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
