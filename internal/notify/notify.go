// Package notify delivers human-level conflict escalations to an
// operator.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/hivemind/internal/coordination"
)

// Notifier sends a free-form message to an operator.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Escalations adapts a Notifier to the coordination manager.
type Escalations struct {
	Notifier Notifier
}

func (e Escalations) NotifyEscalation(ctx context.Context, rec coordination.ConflictRecord) error {
	return e.Notifier.Notify(ctx, FormatEscalation(rec))
}

// FormatEscalation renders a parked conflict with the command needed to
// settle it.
func FormatEscalation(rec coordination.ConflictRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conflict %s needs a decision\n", rec.ID)
	fmt.Fprintf(&b, "kind: %s\n", rec.Kind)
	if rec.Subject != "" {
		fmt.Fprintf(&b, "subject: %s\n", rec.Subject)
	}
	fmt.Fprintf(&b, "protocol: %s\n", rec.ProtocolID)
	fmt.Fprintf(&b, "participants: %s\n", strings.Join(rec.Participants, ", "))
	fmt.Fprintf(&b, "\nPOST /api/conflicts/%s/resolve {\"winner\": \"<agent>\"}", rec.ID)
	return b.String()
}

// Log writes notifications to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, text string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("operator notification", "message", text)
	return nil
}
