package model

import (
	"errors"
	"fmt"
)

// FaultKind classifies where a failure happened and therefore how far it is allowed to spread
type FaultKind int

const (
	// KindDecode: the partition payload is not a feed message at all. Fails that partition.
	KindDecode FaultKind = iota + 1
	// KindField: one entity or stop-time entry is malformed. Fails that entry only.
	KindField
	// KindTransport: network, timeout or non-200 response. Fails that partition.
	KindTransport
	// KindSubscriber: a subscriber callback failed. Isolated to that subscriber.
	KindSubscriber
	// KindScheduler: anything else escaping a cycle. The cycle is abandoned, the loop continues.
	KindScheduler
)

func (k FaultKind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindField:
		return "field"
	case KindTransport:
		return "transport"
	case KindSubscriber:
		return "subscriber"
	case KindScheduler:
		return "scheduler"
	default:
		return "unknown"
	}
}

// Fault is an error tagged with its FaultKind and the scope it occurred in
type Fault struct {
	Kind  FaultKind
	Scope string // partition label, entity id or subscriber id
	Err   error
}

func (f *Fault) Error() string {
	if f.Scope == "" {
		return fmt.Sprintf("%s fault: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s fault (%s): %v", f.Kind, f.Scope, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault wraps err with a kind and scope
func NewFault(kind FaultKind, scope string, err error) *Fault {
	return &Fault{Kind: kind, Scope: scope, Err: err}
}

// KindOf returns the FaultKind carried by err, or 0 when err is not a Fault
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}
