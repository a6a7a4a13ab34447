package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gen2brain/beeep"
)

// LogSink logs every event with slog at a level matching its severity
func LogSink(logger *slog.Logger) func(Event) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e Event) {
		logger.LogAttrs(context.Background(), levelFor(e.Type), "Event", e.Attrs()...)
	}
}

func levelFor(t Type) slog.Level {
	switch t {
	case BudgetExceeded, ProviderDisabled, QuotaWarning, BudgetWarning, RequestFailed:
		return slog.LevelWarn
	case CacheHit, CacheMiss, CacheStored, BatchProgress, RequestStarted:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// notify is replaced in tests
var notify = func(title, body string) error {
	return beeep.Notify(title, body, "")
}

// NotifySink raises desktop notifications for budget and provider alerts
func NotifySink(logger *slog.Logger) func(Event) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e Event) {
		title, body, ok := notification(e)
		if !ok {
			return
		}
		if err := notify(title, body); err != nil {
			logger.Warn("Failed to send desktop notification", "event", e.Type, "error", err)
		}
	}
}

func notification(e Event) (title, body string, ok bool) {
	switch e.Type {
	case BudgetWarning:
		return fmt.Sprintf("Budget warning: %s", scope(e)),
			fmt.Sprintf("%s spend at %.0f%% of %s limit ($%s of $%s)", e.Period, e.Ratio*100, e.Period, e.Amount.StringFixed(2), e.Limit.StringFixed(2)),
			true
	case BudgetExceeded:
		return fmt.Sprintf("Budget exceeded: %s", scope(e)),
			fmt.Sprintf("Request blocked: %s ($%s remaining, $%s required)", e.Reason, e.Remaining.StringFixed(2), e.Amount.StringFixed(2)),
			true
	case ProviderDisabled:
		body := "Provider disabled"
		if e.Err != nil {
			body = fmt.Sprintf("Provider disabled: %v", e.Err)
		}
		return fmt.Sprintf("Provider disabled: %s", e.Provider), body, true
	default:
		return "", "", false
	}
}

func scope(e Event) string {
	if e.Provider == "" {
		return "global"
	}
	return string(e.Provider)
}
