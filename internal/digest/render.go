package digest

import (
	"fmt"
	"strings"

	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
	"github.com/angelmondragon/tabsplit-backend/pkg/payloads"
)

const fallbackContextName = "your group"

// Subject picks the email subject line for d.
func Subject(d payloads.Digest) string {
	return SubjectFor(primaryKind(d), d.ContextName)
}

// SubjectFor is the subject a digest of the given kind would carry.
func SubjectFor(kind enums.NotificationKind, contextName string) string {
	name := contextName
	if name == "" {
		name = fallbackContextName
	}
	switch kind {
	case enums.NotificationKindInvitation:
		return fmt.Sprintf("You're invited to %s", name)
	case enums.NotificationKindCompletion:
		return fmt.Sprintf("%s is all settled", name)
	default:
		return fmt.Sprintf("New activity in %s", name)
	}
}

// Kind is the job kind recorded for d: the most prominent section it carries.
func Kind(d payloads.Digest) enums.NotificationKind {
	return primaryKind(d)
}

func primaryKind(d payloads.Digest) enums.NotificationKind {
	switch {
	case d.HasInvitation:
		return enums.NotificationKindInvitation
	case d.HasCompletion && !d.HasActivity:
		return enums.NotificationKindCompletion
	case d.HasActivity:
		return enums.NotificationKindActivitySummary
	}
	return enums.NotificationKindMarker
}

// Body renders the plain-text email body for d.
func Body(d payloads.Digest) string {
	var b strings.Builder
	name := d.ContextName
	if name == "" {
		name = fallbackContextName
	}

	b.WriteString("Hi,\n\n")

	if d.HasInvitation {
		if len(d.Inviters) > 0 {
			fmt.Fprintf(&b, "%s invited you to join %s.\n", strings.Join(d.Inviters, ", "), name)
		} else {
			fmt.Fprintf(&b, "You were invited to join %s.\n", name)
		}
		if d.InviteURL != "" {
			fmt.Fprintf(&b, "Accept the invitation: %s\n", d.InviteURL)
		}
		b.WriteString("\n")
	}

	if len(d.Created) > 0 {
		fmt.Fprintf(&b, "New in %s:\n", name)
		for _, item := range d.Created {
			fmt.Fprintf(&b, "  - %s\n", itemLine(item))
		}
		b.WriteString("\n")
	}

	if len(d.Edited) > 0 {
		fmt.Fprintf(&b, "Updated in %s:\n", name)
		for _, item := range d.Edited {
			fmt.Fprintf(&b, "  - %s\n", itemLine(item))
			for _, change := range item.Changes {
				fmt.Fprintf(&b, "      %s\n", change)
			}
		}
		b.WriteString("\n")
	}

	if d.Balance != nil {
		b.WriteString(balanceLine(*d.Balance))
		b.WriteString("\n\n")
	}

	if d.HasCompletion {
		if d.Completion != "" {
			fmt.Fprintf(&b, "%s\n\n", d.Completion)
		} else {
			fmt.Fprintf(&b, "Everything in %s is settled.\n\n", name)
		}
	}

	b.WriteString("You can turn these emails off from your notification settings.\n")
	return b.String()
}

func itemLine(item payloads.DigestItem) string {
	desc := item.Description
	if desc == "" {
		desc = "an expense"
	}
	if item.Amount == nil {
		return desc
	}
	amount := item.Amount.StringFixed(2)
	if item.Currency != "" {
		amount = amount + " " + item.Currency
	}
	return fmt.Sprintf("%s (%s)", desc, amount)
}

func balanceLine(snap payloads.BalanceSnapshot) string {
	amount := snap.Amount.Abs().StringFixed(2)
	if snap.Currency != "" {
		amount = amount + " " + snap.Currency
	}
	switch snap.Direction {
	case enums.BalanceDirectionOwes:
		return fmt.Sprintf("Your balance: you owe %s.", amount)
	case enums.BalanceDirectionOwed:
		return fmt.Sprintf("Your balance: you are owed %s.", amount)
	default:
		return "Your balance: you are all settled up."
	}
}
