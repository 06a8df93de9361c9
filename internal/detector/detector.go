// Package detector answers whether a recorded PID still belongs to the process
// that recorded it.
package detector

// Detector reports liveness of one process. It must be safe for concurrent use.
type Detector interface {
	Alive() (bool, error)
	Describe() string
}
