package cartable

import (
	"context"
	"fmt"
	"time"

	"credline/internal/domain"
	"credline/internal/events"
	"credline/internal/gateway"
)

// Gateway is the slice of the upstream client the engine needs. The
// engine never computes eligibility itself; the remote lookups are
// authoritative.
type Gateway interface {
	FetchValidActors(ctx context.Context, cartableID int64, actionType, roleCode string) ([]domain.Actor, error)
	FetchValidSigners(ctx context.Context, cartableID int64) ([]domain.Actor, error)
	SubmitWorkflowAction(ctx context.Context, payload domain.WorkflowSubmission) (gateway.WorkflowResult, error)
}

// ValidationError is a local precondition failure; no remote call was
// attempted.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// StateError rejects an action on an item whose status accepts none.
type StateError struct {
	Status string
}

func (e StateError) Error() string {
	return fmt.Sprintf("cartable in terminal state %s accepts no further actions", e.Status)
}

// Engine drives the cartable workflow protocol. It mutates the passed
// item only after the upstream call confirms success, never
// optimistically, and it never retries; duplicate-submission prevention
// belongs to the caller.
type Engine struct {
	Gateway Gateway
	Events  events.Writer
	Actor   string
	Now     func() time.Time
}

func New(gw Gateway, ev events.Writer, actor string) Engine {
	return Engine{Gateway: gw, Events: ev, Actor: actor, Now: time.Now}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SubmitAction validates the submission, posts it upstream, and applies
// the confirmed transition to the item: history appended, status moved
// per the action, custody recorded. On any failure the item is
// bit-for-bit unchanged.
func (e Engine) SubmitAction(ctx context.Context, item *domain.Cartable, sub domain.WorkflowSubmission) error {
	if item == nil {
		return ValidationError{Msg: "cartable item required"}
	}
	if domain.Terminal(item.Status) {
		return StateError{Status: item.Status}
	}
	sub.CartableID = item.ID

	historyAction, nextStatus, err := e.resolveTransition(sub)
	if err != nil {
		return err
	}
	if err := e.checkEligibility(ctx, item, sub); err != nil {
		return err
	}

	result, err := e.Gateway.SubmitWorkflowAction(ctx, sub)
	if err != nil {
		return err
	}

	completedAt := result.CompletedAt
	if completedAt == "" {
		completedAt = e.now().UTC().Format(time.RFC3339)
	}
	item.History = append(item.History, domain.CartableHistoryEntry{
		Action:      historyAction,
		Comments:    sub.Description,
		CompletedAt: completedAt,
		RoleCode:    item.RoleCode,
		RoleName:    item.RoleName,
	})
	item.Status = nextStatus
	item.UpdatedAt = completedAt
	if domain.ReferralAction(sub.ActionType) || sub.ActionType == domain.ActionSignerChanged {
		// custody moves to the chosen role
		item.RoleCode = sub.TargetRoleCode
		item.RoleName = sub.TargetRoleName
	}

	if e.Events.DB != nil {
		_ = e.Events.Append(ctx, "cartable.action", "cartable", item.TrackingCode, e.Actor, events.EventPayload{
			"action": sub.ActionType,
			"status": item.Status,
		})
	}
	return nil
}

// resolveTransition maps an action to its history entry and resulting
// status. A declined signature (agreed=false) is a valid outcome and is
// recorded as a rejection, not treated as an error.
func (e Engine) resolveTransition(sub domain.WorkflowSubmission) (historyAction, nextStatus string, err error) {
	switch sub.ActionType {
	case domain.ActionApproved:
		return domain.ActionApproved, domain.StatusAccepted, nil
	case domain.ActionRejected:
		return domain.ActionRejected, domain.StatusRejected, nil
	case domain.ActionClosed:
		return domain.ActionClosed, domain.StatusClosed, nil
	case domain.ActionReferred, domain.ActionPassed, domain.ActionReferredForSigned:
		return sub.ActionType, domain.StatusInProgress, nil
	case domain.ActionCorrected:
		if sub.CorrectionDeadline == "" {
			return "", "", ValidationError{Msg: "correction deadline required"}
		}
		return domain.ActionCorrected, domain.StatusInProgress, nil
	case domain.ActionSigned:
		if sub.Agreed == nil {
			return "", "", ValidationError{Msg: "agreed flag required for sign action"}
		}
		if *sub.Agreed {
			return domain.ActionApproved, domain.StatusAccepted, nil
		}
		return domain.ActionRejected, domain.StatusRejected, nil
	case domain.ActionSignerChanged:
		return domain.ActionReferredForSigned, domain.StatusInProgress, nil
	default:
		return "", "", ValidationError{Msg: fmt.Sprintf("unknown action type %s", sub.ActionType)}
	}
}

// checkEligibility enforces the remote valid-user contract for actions
// that pass custody: every chosen username must come from the
// authoritative lookup for this item, action, and role.
func (e Engine) checkEligibility(ctx context.Context, item *domain.Cartable, sub domain.WorkflowSubmission) error {
	switch {
	case domain.ReferralAction(sub.ActionType):
		if len(sub.UsernameList) == 0 {
			return ValidationError{Msg: "username list required for referral actions"}
		}
		actors, err := e.Gateway.FetchValidActors(ctx, item.ID, sub.ActionType, item.RoleCode)
		if err != nil {
			return fmt.Errorf("valid user lookup: %w", err)
		}
		return ensureChosen(sub.UsernameList, actors)
	case sub.ActionType == domain.ActionSignerChanged:
		if len(sub.UsernameList) == 0 {
			return ValidationError{Msg: "replacement signer required"}
		}
		signers, err := e.Gateway.FetchValidSigners(ctx, item.ID)
		if err != nil {
			return fmt.Errorf("valid signer lookup: %w", err)
		}
		return ensureChosen(sub.UsernameList, signers)
	}
	return nil
}

func ensureChosen(chosen []string, eligible []domain.Actor) error {
	valid := make(map[string]struct{}, len(eligible))
	for _, actor := range eligible {
		valid[actor.Username] = struct{}{}
	}
	for _, username := range chosen {
		if _, ok := valid[username]; !ok {
			return ValidationError{Msg: fmt.Sprintf("user %s is not eligible for this action", username)}
		}
	}
	return nil
}
