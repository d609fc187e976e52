package payloads

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Digest is the consolidated body of one delivery job: everything a single
// recipient should hear about one context since the last flush.
type Digest struct {
	Recipient   string `json:"recipient"`
	ContextID   int64  `json:"contextId"`
	ContextName string `json:"contextName,omitempty"`

	HasInvitation bool `json:"hasInvitation"`
	HasActivity   bool `json:"hasActivity"`
	HasCompletion bool `json:"hasCompletion"`

	Inviters   []string         `json:"inviters,omitempty"`
	InviteURL  string           `json:"inviteUrl,omitempty"`
	Created    []DigestItem     `json:"created,omitempty"`
	Edited     []DigestItem     `json:"edited,omitempty"`
	Completion string           `json:"completion,omitempty"`
	Balance    *BalanceSnapshot `json:"balance,omitempty"`

	IntentCount int `json:"intentCount"`
}

// DigestItem is one entity line in the created or edited section.
type DigestItem struct {
	EntityID    string           `json:"entityId,omitempty"`
	Description string           `json:"description,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	Changes     []string         `json:"changes,omitempty"`
}

// Empty reports whether the digest carries nothing worth emailing.
func (d Digest) Empty() bool {
	return !d.HasInvitation && !d.HasActivity && !d.HasCompletion
}

// Canonical returns the stable JSON encoding of the digest. Struct fields
// marshal in declaration order and the digest holds no maps.
func (d Digest) Canonical() ([]byte, error) {
	return json.Marshal(d)
}

// Fingerprint is the hex sha256 of the canonical encoding.
func (d Digest) Fingerprint() string {
	raw, err := d.Canonical()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
