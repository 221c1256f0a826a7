package flow

import (
	"errors"
	"fmt"
)

var (
	ErrMetadataUnavailable     = errors.New("metadata unavailable")
	ErrNoAdmissibleFormat      = errors.New("no admissible format")
	ErrQuotaExceeded           = errors.New("quota exceeded")
	ErrDownloadProducedNothing = errors.New("download produced nothing")
	ErrDeliveryRejected        = errors.New("delivery rejected")
	ErrExpiredOffer            = errors.New("offer expired")
)

// UserMessage turns a flow error into the one line the user gets to see.
// Only delivery failures echo the underlying reason.
func UserMessage(err error, limit int, userID int64) string {
	switch {
	case errors.Is(err, ErrMetadataUnavailable):
		return "Could not get metadata 😞"
	case errors.Is(err, ErrNoAdmissibleFormat):
		return "Nothing fits the upload limit 😞"
	case errors.Is(err, ErrQuotaExceeded):
		return fmt.Sprintf("Quota exceeded: %d downloads per 24 hours. (User ID: %d)", limit, userID)
	case errors.Is(err, ErrDownloadProducedNothing):
		return "Download failed 😞"
	case errors.Is(err, ErrDeliveryRejected):
		return "Failed to send: " + reason(err)
	case errors.Is(err, ErrExpiredOffer):
		return "This request has expired. Send the URL again."
	default:
		return "Something went wrong, try again later."
	}
}

// offersRetry reports errors that are answered with a retry button.
func offersRetry(err error) bool {
	return errors.Is(err, ErrMetadataUnavailable) || errors.Is(err, ErrNoAdmissibleFormat)
}

// reason strips the sentinel prefix from a wrapped delivery error.
func reason(err error) string {
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range u.Unwrap() {
			if e != ErrDeliveryRejected {
				return e.Error()
			}
		}
	}
	return err.Error()
}
