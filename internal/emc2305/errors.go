package emc2305

import (
	"errors"
	"fmt"
)

var (
	// ErrCommunication is returned when a bus transaction fails or is not acknowledged.
	ErrCommunication = errors.New("emc2305: communication error")
	// ErrInvalidChannel is returned for a fan index outside 1..5 or not configured.
	ErrInvalidChannel = errors.New("emc2305: invalid channel")
	// ErrDuplicateChannel is returned when a fan index is created twice.
	ErrDuplicateChannel = errors.New("emc2305: duplicate channel")
	// ErrConfiguration is returned for invalid or repeated configuration.
	ErrConfiguration = errors.New("emc2305: configuration error")
	// ErrDutyOutOfRange is returned for a duty fraction outside [-0.01, 1.01].
	ErrDutyOutOfRange = errors.New("emc2305: duty out of range")
	// ErrWrongChip is returned when the product ID register does not match.
	ErrWrongChip = errors.New("emc2305: unexpected product id")
)

// ChannelError ties a failure to the fan channel it happened on.
type ChannelError struct {
	Channel int
	Op      string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("emc2305: fan%d %s: %v", e.Channel, e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

func channelErr(ch int, op string, err error) error {
	return &ChannelError{Channel: ch, Op: op, Err: err}
}
