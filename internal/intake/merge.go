package intake

import (
	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
	"github.com/angelmondragon/tabsplit-backend/pkg/payloads"
)

// mergePayload folds a newer submission into the pending payload for the
// same entity.
//
//   - created is sticky: once either side is created the result is created.
//   - an edit never overwrites the values of a created entity; between two
//     edits the latest non-empty value wins.
//   - change lists are unioned in first-seen order without duplicates.
//   - the balance snapshot with the later capture time wins; ties go to the
//     newer submission.
func mergePayload(existing, incoming payloads.IntentPayload) payloads.IntentPayload {
	out := existing.Clone()
	if incoming.ContextName != "" {
		out.ContextName = incoming.ContextName
	}
	if incoming.Activity == nil {
		return out
	}
	if out.Activity == nil {
		out.Activity = incoming.Clone().Activity
		return out
	}

	cur := out.Activity
	next := incoming.Activity

	switch {
	case cur.Action == enums.ActivityActionCreated && next.Action == enums.ActivityActionEdited:
		// keep the created values
	case cur.Action == enums.ActivityActionEdited && next.Action == enums.ActivityActionCreated:
		cur.Action = enums.ActivityActionCreated
		overwriteDisplay(cur, next)
	default:
		overwriteDisplay(cur, next)
	}

	cur.Changes = unionChanges(cur.Changes, next.Changes)
	cur.Balance = newerBalance(cur.Balance, next.Balance)
	return out
}

func overwriteDisplay(dst, src *payloads.ActivityPayload) {
	if src.Description != "" {
		dst.Description = src.Description
	}
	if src.Amount != nil {
		amount := *src.Amount
		dst.Amount = &amount
	}
	if src.Currency != "" {
		dst.Currency = src.Currency
	}
}

func unionChanges(base, extra []string) []string {
	if len(extra) == 0 {
		return base
	}
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, change := range list {
			if _, dup := seen[change]; dup {
				continue
			}
			seen[change] = struct{}{}
			out = append(out, change)
		}
	}
	return out
}

func newerBalance(cur, next *payloads.BalanceSnapshot) *payloads.BalanceSnapshot {
	if next == nil {
		return cur
	}
	if cur == nil || !next.CapturedAt.Before(cur.CapturedAt) {
		snap := *next
		return &snap
	}
	return cur
}
