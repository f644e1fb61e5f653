package rtdb

// Scheduler is a single-threaded cooperative work queue: every func
// posted to it runs strictly after every func posted before it, all on
// one goroutine. Three independent schedulers back the core (spec §5):
// the session scheduler (queue mutation, state transitions, dispatch),
// the parse scheduler (frame serialization and diff computation) and
// the cache scheduler (disk I/O). A fourth, caller-supplied scheduler
// receives every user-visible callback.
//
// This is deliberately the simplest possible implementation of that
// contract: a buffered channel of closures drained by one goroutine.
// Cross-scheduler communication is always a Post, never a shared
// variable.
type Scheduler struct {
	tasks chan func()
	done  chan struct{}
}

// NewScheduler starts a goroutine draining a work queue of the given
// capacity. Posts beyond capacity block the poster, which is the
// backpressure spec §5 calls "bounded by queue capacity of the target
// scheduler".
func NewScheduler(capacity int) *Scheduler {
	self := &Scheduler{
		tasks: make(chan func(), capacity),
		done:  make(chan struct{}),
	}
	go self.run()
	return self
}

func (self *Scheduler) run() {
	for {
		select {
		case task, ok := <-self.tasks:
			if !ok {
				return
			}
			task()
		case <-self.done:
			for {
				select {
				case task := <-self.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on the scheduler goroutine. It does not block
// on fn's completion.
func (self *Scheduler) Post(fn func()) {
	select {
	case self.tasks <- fn:
	case <-self.done:
	}
}

// PostSync enqueues fn and blocks until it has run. Used sparingly
// (tests, synchronous convenience wrappers) to avoid defeating the
// purpose of the scheduler.
func (self *Scheduler) PostSync(fn func()) {
	done := make(chan struct{})
	self.Post(func() {
		defer close(done)
		fn()
	})
	<-done
}

// Close stops the scheduler. Any task already queued still runs before
// the goroutine exits; a task posted after Close is dropped unless it
// reaches the queue while that final drain is still running.
func (self *Scheduler) Close() {
	close(self.done)
}

// MainScheduler wraps an existing execution context a caller wants
// callbacks delivered on. The zero value runs callbacks inline on
// whatever goroutine posts them, which is adequate for CLI tools and
// tests; a GUI host would instead post to its own UI-thread queue.
type MainScheduler struct {
	post func(func())
}

func NewInlineMainScheduler() *MainScheduler {
	return &MainScheduler{post: func(fn func()) { fn() }}
}

func NewMainScheduler(post func(func())) *MainScheduler {
	return &MainScheduler{post: post}
}

func (self *MainScheduler) Post(fn func()) {
	self.post(fn)
}
