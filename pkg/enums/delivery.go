package enums

import "fmt"

// DeliveryJobState tracks a delivery job through the queue.
type DeliveryJobState string

const (
	DeliveryJobStateQueued    DeliveryJobState = "queued"
	DeliveryJobStateActive    DeliveryJobState = "active"
	DeliveryJobStateCompleted DeliveryJobState = "completed"
	DeliveryJobStateFailed    DeliveryJobState = "failed"
)

var validDeliveryJobStates = []DeliveryJobState{
	DeliveryJobStateQueued,
	DeliveryJobStateActive,
	DeliveryJobStateCompleted,
	DeliveryJobStateFailed,
}

// DeliveryJobStates lists every state in a stable order.
func DeliveryJobStates() []DeliveryJobState {
	out := make([]DeliveryJobState, len(validDeliveryJobStates))
	copy(out, validDeliveryJobStates)
	return out
}

func (s DeliveryJobState) IsValid() bool {
	for _, candidate := range validDeliveryJobStates {
		if candidate == s {
			return true
		}
	}
	return false
}

func (s DeliveryJobState) IsTerminal() bool {
	return s == DeliveryJobStateCompleted || s == DeliveryJobStateFailed
}

func ParseDeliveryJobState(value string) (DeliveryJobState, error) {
	for _, candidate := range validDeliveryJobStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid delivery job state %q", value)
}

// AuditStatus is the lifecycle of one delivery audit record.
type AuditStatus string

const (
	AuditStatusPending   AuditStatus = "pending"
	AuditStatusSending   AuditStatus = "sending"
	AuditStatusSent      AuditStatus = "sent"
	AuditStatusFailed    AuditStatus = "failed"
	AuditStatusCancelled AuditStatus = "cancelled"
)

// TerminalAuditStatuses never change once written.
var TerminalAuditStatuses = []AuditStatus{
	AuditStatusSent,
	AuditStatusFailed,
	AuditStatusCancelled,
}

func (s AuditStatus) IsTerminal() bool {
	for _, candidate := range TerminalAuditStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func (s AuditStatus) IsValid() bool {
	switch s {
	case AuditStatusPending, AuditStatusSending:
		return true
	}
	return s.IsTerminal()
}
