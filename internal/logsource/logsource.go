// Package logsource holds the producers that turn inputs into records:
// tailed files, stdin and a plain-text TCP listener. Each implements
// model.Producer. Instances are built once per process and reused by
// every worker, so file offsets and the stdin reader survive restarts.
package logsource

import (
	"context"

	"github.com/tinytelemetry/otter/internal/model"
)

// DefaultBatchLines caps how many lines a producer packs into one record.
const DefaultBatchLines = 500

var (
	_ model.Producer = (*File)(nil)
	_ model.Producer = (*Stdin)(nil)
	_ model.Producer = (*TCP)(nil)
)

// emitErr maps an emit failure to Run's result: cancellation is a clean
// stop, anything else ends the producer with an error.
func emitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
