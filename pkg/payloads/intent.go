package payloads

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
)

// IntentPayload is the per-kind body of a notification intent. Exactly one
// variant pointer is set and it must match Kind.
type IntentPayload struct {
	Kind        enums.NotificationKind `json:"kind"`
	ContextName string                 `json:"contextName,omitempty"`

	Invitation *InvitationPayload `json:"invitation,omitempty"`
	Activity   *ActivityPayload   `json:"activity,omitempty"`
	Completion *CompletionPayload `json:"completion,omitempty"`
	Marker     *MarkerPayload     `json:"marker,omitempty"`
}

type InvitationPayload struct {
	InviterName string `json:"inviterName"`
	InviteURL   string `json:"inviteUrl,omitempty"`
}

// ActivityPayload describes one created or edited entity (a charge, usually).
type ActivityPayload struct {
	EntityID    string               `json:"entityId,omitempty"`
	Action      enums.ActivityAction `json:"action"`
	Description string               `json:"description,omitempty"`
	Amount      *decimal.Decimal     `json:"amount,omitempty"`
	Currency    string               `json:"currency,omitempty"`
	Changes     []string             `json:"changes,omitempty"`
	Balance     *BalanceSnapshot     `json:"balance,omitempty"`
}

// BalanceSnapshot is the recipient's position at CapturedAt. Newer snapshots
// always replace older ones.
type BalanceSnapshot struct {
	Direction  enums.BalanceDirection `json:"direction"`
	Amount     decimal.Decimal        `json:"amount"`
	Currency   string                 `json:"currency,omitempty"`
	CapturedAt time.Time              `json:"capturedAt"`
}

type CompletionPayload struct {
	Summary string `json:"summary,omitempty"`
}

type MarkerPayload struct {
	Reason string `json:"reason,omitempty"`
}

// EntityKey returns the fine-grained dedup key, or "" when the intent does
// not carry one.
func (p IntentPayload) EntityKey() string {
	if p.Kind != enums.NotificationKindActivitySummary || p.Activity == nil {
		return ""
	}
	return strings.TrimSpace(p.Activity.EntityID)
}

// Validate checks that the populated variant matches the declared kind.
func (p IntentPayload) Validate() error {
	if !p.Kind.IsValid() {
		return fmt.Errorf("invalid notification kind %q", p.Kind)
	}

	set := 0
	for _, present := range []bool{p.Invitation != nil, p.Activity != nil, p.Completion != nil, p.Marker != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("payload must carry exactly one variant, got %d", set)
	}

	switch p.Kind {
	case enums.NotificationKindInvitation:
		if p.Invitation == nil {
			return fmt.Errorf("kind %s requires an invitation payload", p.Kind)
		}
	case enums.NotificationKindActivitySummary:
		if p.Activity == nil {
			return fmt.Errorf("kind %s requires an activity payload", p.Kind)
		}
		return p.Activity.validate()
	case enums.NotificationKindCompletion:
		if p.Completion == nil {
			return fmt.Errorf("kind %s requires a completion payload", p.Kind)
		}
	case enums.NotificationKindMarker:
		if p.Marker == nil {
			return fmt.Errorf("kind %s requires a marker payload", p.Kind)
		}
	}
	return nil
}

func (a *ActivityPayload) validate() error {
	if !a.Action.IsValid() {
		return fmt.Errorf("invalid activity action %q", a.Action)
	}
	if a.Balance != nil {
		if !a.Balance.Direction.IsValid() {
			return fmt.Errorf("invalid balance direction %q", a.Balance.Direction)
		}
		if a.Balance.CapturedAt.IsZero() {
			return fmt.Errorf("balance snapshot requires capturedAt")
		}
	}
	return nil
}

// Clone returns a deep copy so merges never alias caller slices.
func (p IntentPayload) Clone() IntentPayload {
	out := p
	if p.Invitation != nil {
		inv := *p.Invitation
		out.Invitation = &inv
	}
	if p.Activity != nil {
		act := *p.Activity
		act.Changes = append([]string(nil), p.Activity.Changes...)
		if p.Activity.Amount != nil {
			amount := *p.Activity.Amount
			act.Amount = &amount
		}
		if p.Activity.Balance != nil {
			bal := *p.Activity.Balance
			act.Balance = &bal
		}
		out.Activity = &act
	}
	if p.Completion != nil {
		c := *p.Completion
		out.Completion = &c
	}
	if p.Marker != nil {
		m := *p.Marker
		out.Marker = &m
	}
	return out
}
