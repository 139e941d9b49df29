package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors folds the per-item failures of a batch operation into one
// error and logs the batch outcome once. Nil entries are skipped; an all-nil
// batch returns nil without logging.
func AggregateErrors(operation string, failures []error, fields ...Field) error {
	kept := make([]error, 0, len(failures))
	for _, err := range failures {
		if err != nil {
			kept = append(kept, err)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	messages := make([]string, len(kept))
	for i, err := range kept {
		messages[i] = err.Error()
	}
	Log().Error("batch completed with failures", append(fields,
		Field{Key: "operation", Value: operation},
		Field{Key: "failure_count", Value: len(kept)},
		Field{Key: "failures", Value: messages},
	)...)
	return fmt.Errorf("%s: %d of %d items failed: %w", operation, len(kept), len(failures), errors.Join(kept...))
}
