package cartable

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"credline/internal/domain"
	"credline/internal/events"
	"credline/internal/gateway"
)

type fakeGateway struct {
	actors      []domain.Actor
	actorsErr   error
	signers     []domain.Actor
	signersErr  error
	result      gateway.WorkflowResult
	submitErr   error
	submissions []domain.WorkflowSubmission
}

func (g *fakeGateway) FetchValidActors(ctx context.Context, cartableID int64, actionType, roleCode string) ([]domain.Actor, error) {
	return g.actors, g.actorsErr
}

func (g *fakeGateway) FetchValidSigners(ctx context.Context, cartableID int64) ([]domain.Actor, error) {
	return g.signers, g.signersErr
}

func (g *fakeGateway) SubmitWorkflowAction(ctx context.Context, payload domain.WorkflowSubmission) (gateway.WorkflowResult, error) {
	g.submissions = append(g.submissions, payload)
	return g.result, g.submitErr
}

func testItem() *domain.Cartable {
	return &domain.Cartable{
		ID:           42,
		TrackingCode: "TRK-42",
		Status:       domain.StatusInProgress,
		RoleCode:     "BRANCH_MGR",
		RoleName:     "Branch manager",
		History: []domain.CartableHistoryEntry{
			{Action: domain.ActionCreated, CompletedAt: "2026-08-01T08:00:00Z"},
		},
	}
}

func testEngine(gw *fakeGateway) Engine {
	e := New(gw, events.Writer{}, "user-1")
	e.Now = func() time.Time { return time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC) }
	return e
}

func TestSubmitActionTransitions(t *testing.T) {
	agreed := true
	declined := false
	cases := []struct {
		name          string
		sub           domain.WorkflowSubmission
		wantStatus    string
		wantHistory   string
		wantRoleMoved bool
	}{
		{
			name:        "approve terminates as accepted",
			sub:         domain.WorkflowSubmission{ActionType: domain.ActionApproved},
			wantStatus:  domain.StatusAccepted,
			wantHistory: domain.ActionApproved,
		},
		{
			name:        "reject terminates as rejected",
			sub:         domain.WorkflowSubmission{ActionType: domain.ActionRejected},
			wantStatus:  domain.StatusRejected,
			wantHistory: domain.ActionRejected,
		},
		{
			name:        "close terminates as closed",
			sub:         domain.WorkflowSubmission{ActionType: domain.ActionClosed},
			wantStatus:  domain.StatusClosed,
			wantHistory: domain.ActionClosed,
		},
		{
			name: "refer keeps item active and moves custody",
			sub: domain.WorkflowSubmission{
				ActionType:     domain.ActionReferred,
				TargetRoleCode: "REGIONAL_MGR",
				TargetRoleName: "Regional manager",
				UsernameList:   []string{"u2"},
			},
			wantStatus:    domain.StatusInProgress,
			wantHistory:   domain.ActionReferred,
			wantRoleMoved: true,
		},
		{
			name: "correction needs deadline and stays active",
			sub: domain.WorkflowSubmission{
				ActionType:         domain.ActionCorrected,
				CorrectionDeadline: "2026-09-10T00:00:00Z",
				TargetRoleCode:     "REGIONAL_MGR",
				UsernameList:       []string{"u2"},
			},
			wantStatus:    domain.StatusInProgress,
			wantHistory:   domain.ActionCorrected,
			wantRoleMoved: true,
		},
		{
			name:        "sign agreed records approval",
			sub:         domain.WorkflowSubmission{ActionType: domain.ActionSigned, Agreed: &agreed},
			wantStatus:  domain.StatusAccepted,
			wantHistory: domain.ActionApproved,
		},
		{
			name:        "sign declined records rejection",
			sub:         domain.WorkflowSubmission{ActionType: domain.ActionSigned, Agreed: &declined},
			wantStatus:  domain.StatusRejected,
			wantHistory: domain.ActionRejected,
		},
		{
			name: "signer change records referred for signed",
			sub: domain.WorkflowSubmission{
				ActionType:     domain.ActionSignerChanged,
				TargetRoleCode: "REGIONAL_MGR",
				UsernameList:   []string{"u2"},
			},
			wantStatus:    domain.StatusInProgress,
			wantHistory:   domain.ActionReferredForSigned,
			wantRoleMoved: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &fakeGateway{
				actors:  []domain.Actor{{Username: "u2"}},
				signers: []domain.Actor{{Username: "u2"}},
			}
			item := testItem()
			e := testEngine(gw)
			if err := e.SubmitAction(context.Background(), item, tc.sub); err != nil {
				t.Fatalf("submit: %v", err)
			}
			if item.Status != tc.wantStatus {
				t.Fatalf("status = %s, want %s", item.Status, tc.wantStatus)
			}
			last := item.History[len(item.History)-1]
			if last.Action != tc.wantHistory {
				t.Fatalf("history action = %s, want %s", last.Action, tc.wantHistory)
			}
			if tc.wantRoleMoved && item.RoleCode != "REGIONAL_MGR" {
				t.Fatalf("custody = %s, want REGIONAL_MGR", item.RoleCode)
			}
			if !tc.wantRoleMoved && item.RoleCode != "BRANCH_MGR" {
				t.Fatalf("custody moved unexpectedly to %s", item.RoleCode)
			}
			if len(gw.submissions) != 1 {
				t.Fatalf("submitted %d times, want 1", len(gw.submissions))
			}
			if gw.submissions[0].CartableID != item.ID {
				t.Fatalf("submission cartable id = %d, want %d", gw.submissions[0].CartableID, item.ID)
			}
		})
	}
}

func TestSubmitActionHistoryEntryRecordsActingRole(t *testing.T) {
	gw := &fakeGateway{actors: []domain.Actor{{Username: "u2"}}}
	item := testItem()
	e := testEngine(gw)
	sub := domain.WorkflowSubmission{
		ActionType:     domain.ActionReferred,
		TargetRoleCode: "REGIONAL_MGR",
		UsernameList:   []string{"u2"},
		Description:    "please review",
	}
	if err := e.SubmitAction(context.Background(), item, sub); err != nil {
		t.Fatalf("submit: %v", err)
	}
	last := item.History[len(item.History)-1]
	// the entry names the role that acted, not the new custodian
	if last.RoleCode != "BRANCH_MGR" {
		t.Fatalf("history role = %s, want BRANCH_MGR", last.RoleCode)
	}
	if last.Comments != "please review" {
		t.Fatalf("comments = %q", last.Comments)
	}
}

func TestSubmitActionTerminalStateRejected(t *testing.T) {
	for _, status := range []string{domain.StatusAccepted, domain.StatusRejected, domain.StatusClosed} {
		gw := &fakeGateway{}
		item := testItem()
		item.Status = status
		before := snapshot(item)
		e := testEngine(gw)
		err := e.SubmitAction(context.Background(), item, domain.WorkflowSubmission{ActionType: domain.ActionApproved})
		var se StateError
		if !errors.As(err, &se) {
			t.Fatalf("status %s: err = %v, want StateError", status, err)
		}
		if len(gw.submissions) != 0 {
			t.Fatalf("status %s: upstream must not be called", status)
		}
		if !reflect.DeepEqual(before, snapshot(item)) {
			t.Fatalf("status %s: item mutated", status)
		}
	}
}

func TestSubmitActionUpstreamFailureLeavesItemUnchanged(t *testing.T) {
	gw := &fakeGateway{submitErr: &gateway.Error{Status: 502, Message: "backend unavailable"}}
	item := testItem()
	before := snapshot(item)
	e := testEngine(gw)
	err := e.SubmitAction(context.Background(), item, domain.WorkflowSubmission{ActionType: domain.ActionApproved})
	if err == nil {
		t.Fatal("expected upstream error")
	}
	if !reflect.DeepEqual(before, snapshot(item)) {
		t.Fatal("item must not change when upstream rejects the action")
	}
}

func TestSubmitActionNoRetry(t *testing.T) {
	gw := &fakeGateway{submitErr: errors.New("timeout")}
	item := testItem()
	e := testEngine(gw)
	_ = e.SubmitAction(context.Background(), item, domain.WorkflowSubmission{ActionType: domain.ActionApproved})
	if len(gw.submissions) != 1 {
		t.Fatalf("submitted %d times, want exactly 1", len(gw.submissions))
	}
}

func TestSubmitActionEligibility(t *testing.T) {
	t.Run("referral requires usernames", func(t *testing.T) {
		gw := &fakeGateway{actors: []domain.Actor{{Username: "u2"}}}
		e := testEngine(gw)
		err := e.SubmitAction(context.Background(), testItem(), domain.WorkflowSubmission{
			ActionType: domain.ActionReferred, TargetRoleCode: "REGIONAL_MGR",
		})
		var ve ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})

	t.Run("ineligible user rejected locally", func(t *testing.T) {
		gw := &fakeGateway{actors: []domain.Actor{{Username: "u2"}}}
		e := testEngine(gw)
		err := e.SubmitAction(context.Background(), testItem(), domain.WorkflowSubmission{
			ActionType: domain.ActionReferred, TargetRoleCode: "REGIONAL_MGR", UsernameList: []string{"intruder"},
		})
		var ve ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
		if len(gw.submissions) != 0 {
			t.Fatal("ineligible submission must never reach upstream")
		}
	})

	t.Run("lookup failure blocks the action", func(t *testing.T) {
		gw := &fakeGateway{actorsErr: errors.New("lookup timeout")}
		e := testEngine(gw)
		err := e.SubmitAction(context.Background(), testItem(), domain.WorkflowSubmission{
			ActionType: domain.ActionReferred, TargetRoleCode: "REGIONAL_MGR", UsernameList: []string{"u2"},
		})
		if err == nil {
			t.Fatal("expected lookup error")
		}
		if len(gw.submissions) != 0 {
			t.Fatal("action must not proceed on lookup failure")
		}
	})

	t.Run("signer change checks signer list", func(t *testing.T) {
		gw := &fakeGateway{signers: []domain.Actor{{Username: "signer-2"}}}
		e := testEngine(gw)
		err := e.SubmitAction(context.Background(), testItem(), domain.WorkflowSubmission{
			ActionType: domain.ActionSignerChanged, TargetRoleCode: "REGIONAL_MGR", UsernameList: []string{"someone-else"},
		})
		var ve ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})
}

func TestSubmitActionValidation(t *testing.T) {
	e := testEngine(&fakeGateway{})
	t.Run("nil item", func(t *testing.T) {
		var ve ValidationError
		if err := e.SubmitAction(context.Background(), nil, domain.WorkflowSubmission{ActionType: domain.ActionApproved}); !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})
	t.Run("unknown action", func(t *testing.T) {
		var ve ValidationError
		if err := e.SubmitAction(context.Background(), testItem(), domain.WorkflowSubmission{ActionType: "ESCALATED"}); !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})
	t.Run("correction without deadline", func(t *testing.T) {
		var ve ValidationError
		if err := e.SubmitAction(context.Background(), testItem(), domain.WorkflowSubmission{ActionType: domain.ActionCorrected, UsernameList: []string{"u2"}}); !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})
	t.Run("sign without agreed flag", func(t *testing.T) {
		var ve ValidationError
		if err := e.SubmitAction(context.Background(), testItem(), domain.WorkflowSubmission{ActionType: domain.ActionSigned}); !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})
}

func TestSubmitActionUsesUpstreamCompletionTime(t *testing.T) {
	gw := &fakeGateway{result: gateway.WorkflowResult{Status: "ok", CompletedAt: "2026-09-01T09:30:00Z"}}
	item := testItem()
	e := testEngine(gw)
	if err := e.SubmitAction(context.Background(), item, domain.WorkflowSubmission{ActionType: domain.ActionApproved}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	last := item.History[len(item.History)-1]
	if last.CompletedAt != "2026-09-01T09:30:00Z" {
		t.Fatalf("completed at = %s, want upstream timestamp", last.CompletedAt)
	}
	if item.UpdatedAt != "2026-09-01T09:30:00Z" {
		t.Fatalf("updated at = %s", item.UpdatedAt)
	}
}

func snapshot(item *domain.Cartable) domain.Cartable {
	cp := *item
	cp.History = append([]domain.CartableHistoryEntry(nil), item.History...)
	return cp
}
