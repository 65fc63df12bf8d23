package crake

// pollEvent is one readiness delivery for a file descriptor.
type pollEvent struct {
	fd    int
	read  bool
	write bool
}

// poller is the platform readiness facade. Arm registers one-shot interest;
// after an event fires, the descriptor is disarmed until armed again.
// Wakeup interrupts a blocked Wait from any goroutine.
type poller interface {
	Arm(fd int, read, write bool) error
	Del(fd int) error
	Wait(events []pollEvent) (int, error)
	Wakeup() error
	Close() error
}
