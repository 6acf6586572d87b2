package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors of a multi-step operation such as
// shutdown, logs them once, and returns the joined error. It returns nil when
// every step succeeded.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	failed := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	switch len(failed) {
	case 0:
		return nil
	case 1:
		Log().Error(operation+" failed", append(fields, F("error", failed[0]))...)
		return fmt.Errorf("%s: %w", operation, failed[0])
	}
	messages := make([]string, len(failed))
	for i, err := range failed {
		messages[i] = err.Error()
	}
	Log().Error(operation+" failed", append(fields, F("error_count", len(failed)), F("errors", messages))...)
	return fmt.Errorf("%s: %w", operation, errors.Join(failed...))
}
