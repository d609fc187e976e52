package enums

import "fmt"

// NotificationKind tags an intent and selects its payload variant.
type NotificationKind string

const (
	NotificationKindInvitation      NotificationKind = "invitation"
	NotificationKindActivitySummary NotificationKind = "activity_summary"
	NotificationKindCompletion      NotificationKind = "completion"
	// NotificationKindMarker is internal bookkeeping and never produces mail.
	NotificationKindMarker NotificationKind = "marker"
)

var validNotificationKinds = []NotificationKind{
	NotificationKindInvitation,
	NotificationKindActivitySummary,
	NotificationKindCompletion,
	NotificationKindMarker,
}

// NotificationKinds lists every kind in a stable order.
func NotificationKinds() []NotificationKind {
	out := make([]NotificationKind, len(validNotificationKinds))
	copy(out, validNotificationKinds)
	return out
}

// IsValid checks whether the given kind matches the canonical enum.
func (k NotificationKind) IsValid() bool {
	for _, candidate := range validNotificationKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// Sendable reports whether intents of this kind can contribute to an email.
func (k NotificationKind) Sendable() bool {
	return k.IsValid() && k != NotificationKindMarker
}

// ParseNotificationKind converts raw strings into NotificationKind.
func ParseNotificationKind(value string) (NotificationKind, error) {
	for _, candidate := range validNotificationKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification kind %q", value)
}

// ActivityAction distinguishes a new entity from an edit of an existing one.
type ActivityAction string

const (
	ActivityActionCreated ActivityAction = "created"
	ActivityActionEdited  ActivityAction = "edited"
)

func (a ActivityAction) IsValid() bool {
	return a == ActivityActionCreated || a == ActivityActionEdited
}

// BalanceDirection describes the recipient's position in a context.
type BalanceDirection string

const (
	BalanceDirectionOwes    BalanceDirection = "owes"
	BalanceDirectionOwed    BalanceDirection = "owed"
	BalanceDirectionSettled BalanceDirection = "settled"
)

func (d BalanceDirection) IsValid() bool {
	switch d {
	case BalanceDirectionOwes, BalanceDirectionOwed, BalanceDirectionSettled:
		return true
	}
	return false
}
