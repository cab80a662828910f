package http

import (
	stderrors "errors"

	"github.com/tackle-tarts/giveaway-backend/internal/common/errors"
	"github.com/tackle-tarts/giveaway-backend/internal/common/validation"
	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	"github.com/tackle-tarts/giveaway-backend/internal/domain/user"
	"github.com/tackle-tarts/giveaway-backend/internal/service/auth"
	"github.com/tackle-tarts/giveaway-backend/internal/service/ledger"
)

// toAppError translates service errors into typed API errors.
func toAppError(err error) *errors.AppError {
	if appErr, ok := errors.AsAppError(err); ok {
		return appErr
	}

	if msgs := validation.Messages(err); msgs != nil {
		appErr := errors.Wrap(err, errors.ErrCodeValidation, "Validation failed")
		for field, msg := range msgs {
			appErr.WithDetail(field, msg)
		}
		return appErr
	}

	// ErrReservationFailed wraps the refusal cause, so it is matched first.
	switch {
	case stderrors.Is(err, raffle.ErrReservationFailed):
		return errors.Wrap(err, errors.ErrCodeReservationFailed, err.Error())
	case stderrors.Is(err, raffle.ErrUnauthenticatedNotification):
		return errors.Wrap(err, errors.ErrCodeInvalidSignature, "Payment notification rejected")
	case stderrors.Is(err, raffle.ErrNotFound):
		return errors.Wrap(err, errors.ErrCodeNotFound, "Not found")
	case stderrors.Is(err, raffle.ErrSoldOut):
		return errors.Wrap(err, errors.ErrCodeSoldOut, err.Error())
	case stderrors.Is(err, raffle.ErrCompetitionClosed):
		return errors.Wrap(err, errors.ErrCodeCompetitionClosed, "Competition is closed")
	case stderrors.Is(err, raffle.ErrAlreadyClosed):
		return errors.Wrap(err, errors.ErrCodeAlreadyClosed, "Competition already closed")
	case stderrors.Is(err, raffle.ErrAlreadyDrawn):
		return errors.Wrap(err, errors.ErrCodeAlreadyDrawn, "End winner already drawn")
	case stderrors.Is(err, raffle.ErrNotClosed):
		return errors.Wrap(err, errors.ErrCodeNotClosed, "Competition must be closed before the draw")
	case stderrors.Is(err, raffle.ErrNoTickets):
		return errors.Wrap(err, errors.ErrCodeNoTickets, "No tickets were issued")
	case stderrors.Is(err, raffle.ErrCapacityExhausted):
		return errors.Wrap(err, errors.ErrCodeCapacityExhausted, "No ticket numbers left")
	case stderrors.Is(err, raffle.ErrInvalidRange), stderrors.Is(err, ledger.ErrInvalidInput):
		return errors.Wrap(err, errors.ErrCodeValidation, err.Error())
	case stderrors.Is(err, raffle.ErrConflict):
		appErr := errors.NewConflictError("competition", "concurrent update, retry")
		appErr.Cause = err
		return appErr
	case stderrors.Is(err, user.ErrEmailTaken):
		return errors.Wrap(err, errors.ErrCodeEmailTaken, "Email already registered")
	case stderrors.Is(err, auth.ErrInvalidCredentials):
		return errors.Wrap(err, errors.ErrCodeInvalidCredentials, "Invalid email or password")
	case stderrors.Is(err, auth.ErrInvalidToken):
		return errors.Wrap(err, errors.ErrCodeUnauthorized, "Invalid token")
	default:
		return errors.Wrap(err, errors.ErrCodeInternal, "Internal server error")
	}
}
