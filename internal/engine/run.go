package engine

// job is the unit of work the single engine goroutine drains, in
// arrival order: every other goroutine touches State only by sending
// one of these and waiting on its result, never by locking State
// directly.
type job func(State) (State, []Output)

// Engine owns State and serializes every mutation through jobs:
// between any two jobs, no goroutine observes a partially mutated
// State.
type Engine struct {
	jobs  chan job
	done  chan struct{}
	state State
}

// New starts the engine's owner goroutine over the given initial state
// and returns a handle for submitting jobs. Call Stop to shut it down.
func New(initial State) *Engine {
	e := &Engine{jobs: make(chan job, 64), done: make(chan struct{}), state: initial}
	go e.run()
	return e
}

func (e *Engine) run() {
	defer close(e.done)
	for j := range e.jobs {
		e.state, _ = j(e.state)
	}
}

// Submit enqueues fn and blocks until it has run, returning the
// outputs it produced. Safe to call from any goroutine.
func (e *Engine) Submit(fn func(State) (State, []Output)) []Output {
	result := make(chan []Output, 1)
	e.jobs <- func(s State) (State, []Output) {
		next, outputs := fn(s)
		result <- outputs
		return next, outputs
	}
	return <-result
}

// Stop closes the job queue and waits for the owner goroutine to
// drain it. No further Submit calls are valid afterward.
func (e *Engine) Stop() {
	close(e.jobs)
	<-e.done
}
