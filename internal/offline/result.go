package offline

// Result is the success/failure envelope handed to callers outside Go,
// such as the mobile bridge and the debug API.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewResult wraps a value and error pair.
func NewResult[T any](v T, err error) Result[T] {
	if err != nil {
		return Result[T]{Error: err.Error()}
	}
	return Result[T]{Success: true, Data: v}
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Success: true, Data: v}
}

// Fail wraps an error.
func Fail(err error) Result[any] {
	return Result[any]{Error: err.Error()}
}
