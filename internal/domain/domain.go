package domain

// Cartable status values. Terminal states accept no further actions.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusAccepted   = "ACCEPTED"
	StatusRejected   = "REJECTED"
	StatusClosed     = "CLOSED"
)

// Workflow action types. Referral-family actions keep the item active
// while moving custody; the rest terminate it.
const (
	ActionCreated           = "CREATED"
	ActionApproved          = "APPROVED"
	ActionRejected          = "REJECTED"
	ActionReferred          = "REFERRED"
	ActionCorrected         = "CORRECTED"
	ActionClosed            = "CLOSED"
	ActionPassed            = "PASSED"
	ActionReferredForSigned = "REFERRED_FOR_SIGNED"
	ActionSigned            = "SIGNED"
	ActionSignerChanged     = "SIGNER_CHANGED"
)

type Cartable struct {
	ID           int64                  `json:"id"`
	TrackingCode string                 `json:"tracking_code"`
	Status       string                 `json:"status" enum:"IN_PROGRESS,ACCEPTED,REJECTED,CLOSED"`
	BranchCode   string                 `json:"branch_code,omitempty"`
	BranchName   string                 `json:"branch_name,omitempty"`
	RoleCode     string                 `json:"role_code,omitempty"`
	RoleName     string                 `json:"role_name,omitempty"`
	CreatedAt    string                 `json:"created_at,omitempty" format:"date-time"`
	UpdatedAt    string                 `json:"updated_at,omitempty" format:"date-time"`
	History      []CartableHistoryEntry `json:"history,omitempty"`
}

type CartableHistoryEntry struct {
	Action      string `json:"action" enum:"CREATED,APPROVED,REJECTED,REFERRED,CORRECTED,CLOSED,PASSED,REFERRED_FOR_SIGNED"`
	Comments    string `json:"comments,omitempty"`
	CompletedAt string `json:"completed_at" format:"date-time"`
	RoleCode    string `json:"role_code,omitempty"`
	RoleName    string `json:"role_name,omitempty"`
}

// WorkflowSubmission is the transient payload for one action attempt.
// It lives for the duration of a single upstream call.
type WorkflowSubmission struct {
	// CartableID is filled by the engine from the loaded item; clients
	// may omit it.
	CartableID         int64    `json:"cartable_id,omitempty"`
	ActionType         string   `json:"action_type"`
	TargetRoleCode     string   `json:"target_role_code,omitempty"`
	TargetRoleName     string   `json:"target_role_name,omitempty"`
	UsernameList       []string `json:"username_list,omitempty"`
	Description        string   `json:"description,omitempty"`
	CorrectionDeadline string   `json:"correction_deadline,omitempty" format:"date-time"`
	Agreed             *bool    `json:"agreed,omitempty"`
}

// Actor is an eligibility entry returned by the upstream valid-actor
// and valid-signer lookups.
type Actor struct {
	Username            string `json:"username"`
	FullName            string `json:"full_name,omitempty"`
	RoleCode            string `json:"role_code,omitempty"`
	RoleName            string `json:"role_name,omitempty"`
	DepartmentLevel     string `json:"department_level,omitempty"`
	DepartmentLevelName string `json:"department_level_name,omitempty"`
}

type PermissionRule struct {
	Key            string   `json:"key"`
	PrimaryRoles   []string `json:"primary_roles"`
	SecondaryRoles []string `json:"secondary_roles,omitempty"`
}

type MenuNode struct {
	Title         string     `json:"title"`
	Icon          string     `json:"icon,omitempty"`
	To            string     `json:"to,omitempty"`
	PermissionKey string     `json:"permission_key,omitempty"`
	Children      []MenuNode `json:"children,omitempty"`
}

type RouteDescriptor struct {
	Path          string `json:"path"`
	RequiresAuth  bool   `json:"requires_auth"`
	PermissionKey string `json:"permission_key,omitempty"`
}

// Principal is the identity payload delivered by the upstream token
// endpoint during bootstrap.
type Principal struct {
	Username       string             `json:"username"`
	DisplayName    string             `json:"display_name,omitempty"`
	BranchCode     string             `json:"branch_code,omitempty"`
	PrimaryRoles   []string           `json:"primary_roles"`
	SecondaryRoles []string           `json:"secondary_roles,omitempty"`
	Preferences    DisplayPreferences `json:"preferences,omitempty"`
	Guest          bool               `json:"guest,omitempty"`
}

type DisplayPreferences struct {
	Theme      string `json:"theme,omitempty"`
	ThemeMode  string `json:"theme_mode,omitempty"`
	FontTheme  string `json:"font_theme,omitempty"`
	LayoutType string `json:"layout_type,omitempty"`
	InputBg    bool   `json:"input_bg,omitempty"`
}

// Reference data kinds fetched during the non-critical bootstrap phase.
const (
	RefCurrencies       = "currencies"
	RefCollateralTypes  = "collateral-types"
	RefRegions          = "regions"
	RefDepartmentLevels = "department-levels"
)

// ReferenceKinds lists all non-critical bootstrap fetches.
var ReferenceKinds = []string{RefCurrencies, RefCollateralTypes, RefRegions, RefDepartmentLevels}

type ReferenceItem struct {
	Code  string `json:"code"`
	Title string `json:"title"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Terminal reports whether a cartable status accepts no further actions.
func Terminal(status string) bool {
	switch status {
	case StatusAccepted, StatusRejected, StatusClosed:
		return true
	}
	return false
}

// ReferralAction reports whether an action moves custody without
// terminating the item.
func ReferralAction(actionType string) bool {
	switch actionType {
	case ActionReferred, ActionCorrected, ActionPassed, ActionReferredForSigned:
		return true
	}
	return false
}
