/*
Package notify holds the delivery sinks behind fulfillment.Notifier.

PURPOSE:
  The engine emits one Notification per audience after each commit.
  This package fans it out: to the chat front end, to an event topic
  for downstream consumers, and to the structured log.

SINKS:
  Multi      every sink is tried; failures are joined
  Log        zap record per notification (always on)
  Publisher  JSON event on a Kafka topic (kafka.go)
  telegram   chat delivery (package telegram)

SEE ALSO:
  - fulfillment/notify.go: Notification model
*/
package notify

import (
	"context"
	"errors"

	"github.com/warp/codeshop/fulfillment"
	"go.uber.org/zap"
)

// Multi delivers to every sink in order. A failing sink does not stop
// the others.
type Multi []fulfillment.Notifier

// Notify implements fulfillment.Notifier.
func (m Multi) Notify(ctx context.Context, n fulfillment.Notification) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes each notification to the logger. Codes are never logged.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.Named("notify")}
}

// Notify implements fulfillment.Notifier.
func (l *Log) Notify(_ context.Context, n fulfillment.Notification) error {
	l.logger.Info("notification",
		zap.String("id", n.ID),
		zap.String("event", string(n.Event)),
		zap.Int64("target", int64(n.TargetUserID)),
		zap.Bool("admin", n.ToAdmin),
		zap.Int("codes", len(n.Codes)),
		zap.Int("actions", len(n.Actions)),
	)
	return nil
}
