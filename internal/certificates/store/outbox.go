package store

import (
	"context"

	"accredit/internal/events"
	"accredit/pkg/platform/outbox"
)

const aggregateType = "certificate"

func appendEvents(ctx context.Context, ob outbox.Store, evs []events.Event) error {
	for _, e := range evs {
		entry, err := e.ToOutbox(aggregateType)
		if err != nil {
			return err
		}
		if err := ob.Append(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
