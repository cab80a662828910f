package raffle

import "errors"

var (
	ErrInvalidRange                = errors.New("instant-win count exceeds capacity")
	ErrCapacityExhausted           = errors.New("no ticket numbers left to allocate")
	ErrSoldOut                     = errors.New("competition sold out")
	ErrAlreadyClosed               = errors.New("competition already closed")
	ErrAlreadyDrawn                = errors.New("end winner already drawn")
	ErrNoTickets                   = errors.New("no tickets issued")
	ErrReservationFailed           = errors.New("ticket reservation failed")
	ErrUnauthenticatedNotification = errors.New("payment notification not authenticated")

	ErrCompetitionClosed = errors.New("competition is closed")
	ErrNotClosed         = errors.New("competition is still open")
	ErrNotFound          = errors.New("not found")
	// ErrConflict is returned by stores when a write lost a race and may be retried.
	ErrConflict = errors.New("concurrent update conflict")
)
