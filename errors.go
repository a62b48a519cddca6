package conveyor

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("conveyor: no store configured")
	ErrStoreClosed     = errors.New("conveyor: store closed")
	ErrMigrationFailed = errors.New("conveyor: migration failed")

	// Not found errors.
	ErrJobNotFound    = errors.New("conveyor: job not found")
	ErrWorkerNotFound = errors.New("conveyor: worker not found")
	ErrTaskNotFound   = errors.New("conveyor: task type not registered")
	ErrQueueNotFound  = errors.New("conveyor: queue not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("conveyor: job already exists")
	ErrLeaseLost        = errors.New("conveyor: job lease lost")

	// State errors.
	ErrInvalidState       = errors.New("conveyor: invalid state transition")
	ErrJobTerminal        = errors.New("conveyor: job already terminal")
	ErrMaxRetriesExceeded = errors.New("conveyor: max retries exceeded")
	ErrCancelRequested    = errors.New("conveyor: cancellation already requested")
)
