package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pixelhealth/biasalert-backend/internal/logger"
	"github.com/pixelhealth/biasalert-backend/internal/types"
)

// AlertBroadcaster is the local fan-out surface the broadcast server
// implements.
type AlertBroadcaster interface {
	BroadcastBiasAlert(ctx context.Context, alert *types.BiasAlert, result *types.BiasAnalysisResult) int
}

// AlertNotifier turns domain events into alerts and routes them. When a bus
// is configured alerts go through it (every instance's forwarder echoes them
// into its local broadcaster); otherwise delivery is local only. All paths
// are best-effort.
type AlertNotifier interface {
	NotifyCrisisFlag(ctx context.Context, flag *types.CrisisSessionFlag)
	NotifyAnalysisResult(ctx context.Context, result *types.BiasAnalysisResult)
}

type alertNotifier struct {
	log   *logger.Logger
	local AlertBroadcaster
	bus   AlertBus
}

func NewAlertNotifier(baseLog *logger.Logger, local AlertBroadcaster, bus AlertBus) AlertNotifier {
	return &alertNotifier{
		log:   baseLog.With("service", "AlertNotifier"),
		local: local,
		bus:   bus,
	}
}

func (n *alertNotifier) NotifyCrisisFlag(ctx context.Context, flag *types.CrisisSessionFlag) {
	if flag == nil {
		return
	}
	alert := &types.BiasAlert{
		AlertID:   uuid.New().String(),
		Type:      types.AlertTypeCrisisFlagged,
		Level:     flag.Severity,
		Message:   "session flagged for crisis review",
		Timestamp: time.Now().UTC(),
		SessionID: flag.SessionID,
		Details: map[string]any{
			"flag_id":    flag.ID.String(),
			"crisis_id":  flag.CrisisID,
			"confidence": flag.Confidence,
			"status":     flag.Status,
		},
	}
	n.dispatch(ctx, alert, nil)
}

func (n *alertNotifier) NotifyAnalysisResult(ctx context.Context, result *types.BiasAnalysisResult) {
	if result == nil {
		return
	}
	n.dispatch(ctx, types.NewBiasAlert(result), result)
}

func (n *alertNotifier) dispatch(ctx context.Context, alert *types.BiasAlert, result *types.BiasAnalysisResult) {
	if n.bus != nil {
		if err := n.bus.Publish(ctx, AlertBusMessage{Alert: alert, Result: result}); err != nil {
			n.log.Warn("alert bus publish failed, falling back to local broadcast", "alert_id", alert.AlertID, "error", err)
		} else {
			return
		}
	}
	if n.local != nil {
		n.local.BroadcastBiasAlert(ctx, alert, result)
	}
}
