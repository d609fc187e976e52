package intake

import (
	"context"

	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
)

// Notifier is the handle business operations hold. Notify never returns an
// error: a failed submission is logged and dropped so that notification
// problems cannot roll back the operation that produced the event.
type Notifier struct {
	svc  Service
	logg *logger.Logger
}

func NewNotifier(svc Service, logg *logger.Logger) *Notifier {
	return &Notifier{svc: svc, logg: logg}
}

// Notify submits params on a best-effort basis and reports whether the
// intent was accepted.
func (n *Notifier) Notify(ctx context.Context, params SubmitParams) bool {
	if n == nil || n.svc == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil && n.logg != nil {
			n.logg.Error(ctx, "notification intake panicked", nil)
		}
	}()

	result, err := n.svc.Submit(ctx, params)
	if err != nil {
		if n.logg != nil {
			fields := map[string]any{"kind": params.Payload.Kind, "context_id": params.ContextID}
			n.logg.Error(n.logg.WithFields(ctx, fields), "notification intake failed", err)
		}
		return false
	}
	return result.Outcome != OutcomeSuppressed
}
