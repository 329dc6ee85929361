package identity

// Result of a lookup which may have fallen back to a placeholder.
//
// A Definitive outcome carries a fully resolved value. A Degraded outcome carries whatever partial or placeholder value was available along with the error which prevented full resolution.
type Outcome[T any] struct {
	value    T
	degraded bool
	cause    error
}

func Definitive[T any](v T) Outcome[T] {
	return Outcome[T]{value: v}
}

func Degraded[T any](placeholder T, cause error) Outcome[T] {
	return Outcome[T]{value: placeholder, degraded: true, cause: cause}
}

// The resolved value, or the placeholder for degraded outcomes.
func (o Outcome[T]) Value() T {
	return o.value
}

func (o Outcome[T]) IsDegraded() bool {
	return o.degraded
}

// The error behind a degraded outcome; nil when definitive.
func (o Outcome[T]) Cause() error {
	return o.cause
}

// For callers which do not accept degraded results.
func (o Outcome[T]) Strict() (T, error) {
	if o.degraded {
		var zero T
		return zero, o.cause
	}
	return o.value, nil
}
