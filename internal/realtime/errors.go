package realtime

import "github.com/coachpo/keyrent/errs"

var (
	// ErrNotConnected is returned when an operation needs an open connection.
	ErrNotConnected = errs.New("realtime", errs.CodeNotConnected,
		errs.WithMessage("realtime connection is not established"),
		errs.WithRemediation("call Connect before sending"))
	// ErrClosed is returned to callers waiting on a client that was disconnected.
	ErrClosed = errs.New("realtime", errs.CodeNotConnected,
		errs.WithMessage("realtime client disconnected"))
)
