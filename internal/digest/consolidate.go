// Package digest folds a batch of pending intents for one recipient and
// context into a single email digest. Everything here is pure: no clock, no
// I/O, no map iteration on the output path.
package digest

import (
	"sort"

	"github.com/angelmondragon/tabsplit-backend/pkg/db/models"
	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
	"github.com/angelmondragon/tabsplit-backend/pkg/payloads"
)

// Consolidate builds the digest for intents that share one (recipient,
// context) pair. The second result is false when nothing in the batch
// warrants an email (marker-only batches).
//
// An entity that appears as created anywhere in the batch is listed once
// under Created and every edit of it is dropped, including change lists
// merged into the created intent at intake.
func Consolidate(batch []models.NotificationIntent) (payloads.Digest, bool) {
	if len(batch) == 0 {
		return payloads.Digest{}, false
	}

	ordered := make([]models.NotificationIntent, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})

	created := createdEntities(ordered)

	d := payloads.Digest{
		Recipient: ordered[0].Recipient,
		ContextID: ordered[0].ContextID,
	}
	createdSeen := map[string]bool{}
	editedAt := map[string]int{}
	inviterSeen := map[string]bool{}

	for _, intent := range ordered {
		p := intent.IntentPayload()
		d.IntentCount++
		if p.ContextName != "" {
			d.ContextName = p.ContextName
		}

		switch p.Kind {
		case enums.NotificationKindInvitation:
			d.HasInvitation = true
			if p.Invitation == nil {
				continue
			}
			if name := p.Invitation.InviterName; name != "" && !inviterSeen[name] {
				inviterSeen[name] = true
				d.Inviters = append(d.Inviters, name)
			}
			if p.Invitation.InviteURL != "" {
				d.InviteURL = p.Invitation.InviteURL
			}

		case enums.NotificationKindCompletion:
			d.HasCompletion = true
			if p.Completion != nil && p.Completion.Summary != "" {
				d.Completion = p.Completion.Summary
			}

		case enums.NotificationKindActivitySummary:
			if p.Activity == nil {
				continue
			}
			d.HasActivity = true
			a := p.Activity
			d.Balance = laterBalance(d.Balance, a.Balance)

			key := a.EntityID
			switch {
			case a.Action == enums.ActivityActionCreated:
				if key != "" && createdSeen[key] {
					continue
				}
				if key != "" {
					createdSeen[key] = true
				}
				d.Created = append(d.Created, itemFrom(a, false))
			case key != "" && created[key]:
				// moot: the created entry already shows the entity
			case key != "":
				if idx, ok := editedAt[key]; ok {
					foldEdit(&d.Edited[idx], a)
					continue
				}
				editedAt[key] = len(d.Edited)
				d.Edited = append(d.Edited, itemFrom(a, true))
			default:
				d.Edited = append(d.Edited, itemFrom(a, true))
			}
		}
	}

	return d, !d.Empty()
}

func createdEntities(ordered []models.NotificationIntent) map[string]bool {
	out := map[string]bool{}
	for _, intent := range ordered {
		p := intent.IntentPayload()
		if p.Kind == enums.NotificationKindActivitySummary && p.Activity != nil &&
			p.Activity.Action == enums.ActivityActionCreated && p.Activity.EntityID != "" {
			out[p.Activity.EntityID] = true
		}
	}
	return out
}

func itemFrom(a *payloads.ActivityPayload, withChanges bool) payloads.DigestItem {
	item := payloads.DigestItem{
		EntityID:    a.EntityID,
		Description: a.Description,
		Currency:    a.Currency,
	}
	if a.Amount != nil {
		amount := *a.Amount
		item.Amount = &amount
	}
	if withChanges && len(a.Changes) > 0 {
		item.Changes = unionInOrder(nil, a.Changes)
	}
	return item
}

func foldEdit(item *payloads.DigestItem, a *payloads.ActivityPayload) {
	if a.Description != "" {
		item.Description = a.Description
	}
	if a.Amount != nil {
		amount := *a.Amount
		item.Amount = &amount
	}
	if a.Currency != "" {
		item.Currency = a.Currency
	}
	item.Changes = unionInOrder(item.Changes, a.Changes)
}

func unionInOrder(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, v := range list {
			if seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// laterBalance keeps the most recently captured snapshot; on equal capture
// times the one seen later in the batch wins.
func laterBalance(cur, next *payloads.BalanceSnapshot) *payloads.BalanceSnapshot {
	if next == nil {
		return cur
	}
	if cur == nil || !next.CapturedAt.Before(cur.CapturedAt) {
		snap := *next
		return &snap
	}
	return cur
}
