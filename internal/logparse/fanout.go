package logparse

import (
	"context"
	"errors"

	"fleet-telemetry-agent/internal/model"
)

// Fanout delivers each entry to every sink. A failing sink does not stop
// delivery to the rest.
type Fanout []EntrySink

func (f Fanout) WriteEntry(ctx context.Context, entry model.CompactLogEntry) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.WriteEntry(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
