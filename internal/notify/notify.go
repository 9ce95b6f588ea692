// Package notify reports collection runs that did not fully succeed.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/logging"
	"github.com/socialpulse/socialpulse/internal/metrics"
	"github.com/socialpulse/socialpulse/internal/models"
)

// Notifier delivers a run summary to one channel.
type Notifier interface {
	NotifyRun(ctx context.Context, summary *models.RunSummary) error
}

// Channel is a named Notifier.
type Channel interface {
	Notifier
	Name() string
}

// Multi fans a summary out to every channel. Successful runs are dropped.
type Multi struct {
	channels []Channel
	metrics  *metrics.Metrics
	logger   *logging.Logger
}

// NewMulti returns a fan-out notifier. m and logger may be nil.
func NewMulti(m *metrics.Metrics, logger *logging.Logger, channels ...Channel) *Multi {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Multi{channels: channels, metrics: m, logger: logger}
}

// Len reports how many channels are configured.
func (m *Multi) Len() int {
	return len(m.channels)
}

// NotifyRun sends to every channel and joins the failures. One failing
// channel does not stop the others.
func (m *Multi) NotifyRun(ctx context.Context, summary *models.RunSummary) error {
	if summary == nil || summary.Status == models.RunSuccess || summary.Status == models.RunRunning {
		return nil
	}
	var errs []error
	for _, ch := range m.channels {
		if err := ch.NotifyRun(ctx, summary); err != nil {
			m.metrics.RecordNotification(ch.Name(), "error")
			m.logger.WarnWithContext(ctx, "run notification failed", "channel", ch.Name(), "run_id", summary.RunID, "error", err.Error())
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		m.metrics.RecordNotification(ch.Name(), "sent")
	}
	return errors.Join(errs...)
}

// maxLines caps the per-account lines included in one message.
const maxLines = 20

// Format renders a summary as plain text.
func Format(summary *models.RunSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "socialpulse run %s: %s\n", summary.RunID, summary.Status)
	fmt.Fprintf(&b, "processed %d, failed %d", summary.Processed, summary.Failed)
	if !summary.FinishedAt.IsZero() && !summary.StartedAt.IsZero() {
		fmt.Fprintf(&b, " in %s", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond))
	}
	for i, d := range summary.ErrorDetails {
		if i == maxLines {
			fmt.Fprintf(&b, "\n... and %d more", len(summary.ErrorDetails)-maxLines)
			break
		}
		b.WriteString("\n")
		b.WriteString(d.Line())
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
