package assert

import "fmt"

// Assert panics unless condition holds. Only meant for process bootstrap.
func Assert(condition bool, msg string, other ...any) {
	if condition {
		return
	}
	if len(other) > 0 {
		panic(msg + ": " + fmt.Sprint(other...))
	}
	panic(msg)
}

func AssertNil(value any, msg string, other ...any) {
	if value == nil {
		return
	}
	Assert(false, msg, append([]any{value}, other...)...)
}
