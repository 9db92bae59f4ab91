package utils

import "fmt"

// NewError creates an error from a plain message.
func NewError(msg string) error {
	return fmt.Errorf("%s", msg)
}

// WrapError prefixes err with the region or operation that failed, keeping
// the cause reachable through errors.Is/As.
func WrapError(err error, context string) error {
	if err == nil {
		return fmt.Errorf("%s", context)
	}
	return fmt.Errorf("%s: %w", context, err)
}

// TimeoutError reports a lock or wait whose retry budget ran out before the
// word freed up.
func TimeoutError(operation string) error {
	return fmt.Errorf("%s: retries exhausted before the word freed up", operation)
}
