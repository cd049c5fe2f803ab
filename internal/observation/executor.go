package observation

// Executor runs delivery callbacks on a chosen execution context.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

var (
	// Inline runs the callback on the goroutine that delivers it.
	Inline Executor = ExecutorFunc(func(fn func()) { fn() })

	// Go runs every callback on its own goroutine. Ordering between callbacks is not preserved.
	Go Executor = ExecutorFunc(func(fn func()) { go fn() })
)
