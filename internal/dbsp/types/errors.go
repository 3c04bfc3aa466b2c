package types

import (
	"errors"
	"fmt"
)

// FaultCode categorizes failures raised while maintaining a view.
type FaultCode string

const (
	// FaultMalformedEvent: a raw change is missing its identity or action.
	FaultMalformedEvent FaultCode = "MALFORMED_EVENT"

	// FaultStateIntegrity: a key expected in the join state is absent.
	FaultStateIntegrity FaultCode = "STATE_INTEGRITY"

	// FaultSinkWrite: a transactional flush to the destination failed.
	FaultSinkWrite FaultCode = "SINK_WRITE"

	// FaultClockRegression: a delta arrived with a time behind the engine clock.
	FaultClockRegression FaultCode = "CLOCK_REGRESSION"
)

// Fault is the error type shared by all view components.
type Fault struct {
	Code    FaultCode
	Message string
	Table   string
	Key     Key
	Time    uint64
	Err     error
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("%s: %s", f.Code, f.Message)
	if f.Table != "" {
		msg += fmt.Sprintf(" (table=%s, key=%d, time=%d)", f.Table, f.Key, f.Time)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error { return f.Err }

// Fatal reports whether the fault must halt the view.
func (f *Fault) Fatal() bool {
	return f.Code == FaultSinkWrite || f.Code == FaultClockRegression
}

func NewMalformedEvent(table string, xid uint64, message string) *Fault {
	return &Fault{Code: FaultMalformedEvent, Message: message, Table: table, Time: xid}
}

func NewStateIntegrity(table string, key Key, time uint64, message string) *Fault {
	return &Fault{Code: FaultStateIntegrity, Message: message, Table: table, Key: key, Time: time}
}

func NewSinkWrite(pending int, err error) *Fault {
	return &Fault{Code: FaultSinkWrite, Message: fmt.Sprintf("flush of %d statements failed", pending), Err: err}
}

func NewClockRegression(table string, time, frontier uint64) *Fault {
	return &Fault{
		Code:    FaultClockRegression,
		Message: fmt.Sprintf("delta at time %d is behind engine frontier %d", time, frontier),
		Table:   table,
		Time:    time,
	}
}

func hasCode(err error, code FaultCode) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code == code
	}
	return false
}

func IsMalformedEvent(err error) bool { return hasCode(err, FaultMalformedEvent) }
func IsStateIntegrity(err error) bool { return hasCode(err, FaultStateIntegrity) }
func IsSinkWrite(err error) bool { return hasCode(err, FaultSinkWrite) }
func IsClockRegression(err error) bool { return hasCode(err, FaultClockRegression) }

// IsFatal reports whether err carries a fault that halts processing.
func IsFatal(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Fatal()
	}
	return false
}
