package health

// Checker is implemented by anything that can report whether the application is healthy.
type Checker interface {
	Check() error
}
