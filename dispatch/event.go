package dispatch

import (
	"github.com/caretide/dispatch/gateway"
)

// event is one unit of work delivered to a shift worker. Events from all
// sources (HTTP handlers, messenger callbacks, timers) funnel into the same
// per-shift channel so the worker never needs locks.
type event interface {
	shift() string
}

// evDispatch runs the eligibility filter and opens the first wave. Sent
// when a shift is opened or manually reopened.
type evDispatch struct {
	shiftID string
	reopen  bool
	actor   string
}

// evReply carries an inbound caregiver reply through the reconciler.
type evReply struct {
	shiftID string
	reply   gateway.InboundReply
}

// evDeliveryResult reports the outcome of an asynchronous offer send.
type evDeliveryResult struct {
	shiftID     string
	caregiverID string
	deliveryID  string
	failed      bool
}

// evDeliveryConfirm carries an external delivery receipt.
type evDeliveryConfirm struct {
	shiftID string
	conf    gateway.DeliveryConfirmation
}

// evWaveDeadline fires when a wave's response window closes. Stale
// deadlines (wave already closed, shift no longer open) are ignored.
type evWaveDeadline struct {
	shiftID string
	ordinal int
}

// evAgeCheck fires at the configured age-threshold instant.
type evAgeCheck struct {
	shiftID string
}

// evFillDeadline fires at the shift's fill deadline.
type evFillDeadline struct {
	shiftID string
}

// evCancel, evForceAssign, and evReopen are operator commands. They carry a
// response channel because the caller needs the transition validated
// synchronously; cancel additionally travels the priority channel so it is
// not queued behind pending replies.
type evCancel struct {
	shiftID string
	actor   string
	resp    chan error
}

type evForceAssign struct {
	shiftID     string
	caregiverID string
	actor       string
	resp        chan error
}

type evReopen struct {
	shiftID string
	actor   string
	resp    chan error
}

func (e evDispatch) shift() string        { return e.shiftID }
func (e evReply) shift() string           { return e.shiftID }
func (e evDeliveryResult) shift() string  { return e.shiftID }
func (e evDeliveryConfirm) shift() string { return e.shiftID }
func (e evWaveDeadline) shift() string    { return e.shiftID }
func (e evAgeCheck) shift() string        { return e.shiftID }
func (e evFillDeadline) shift() string    { return e.shiftID }
func (e evCancel) shift() string          { return e.shiftID }
func (e evForceAssign) shift() string     { return e.shiftID }
func (e evReopen) shift() string          { return e.shiftID }
