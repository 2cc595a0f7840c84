// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"strings"
)

// Ops is a bitmask of the I/O operations a channel is interested in, or that
// the readiness primitive reported as ready.
type Ops uint32

const (
	// OpRead indicates the channel is readable.
	OpRead Ops = 1 << iota
	// OpWrite indicates the channel is writable.
	OpWrite
	// OpConnect indicates a pending connect has completed (or failed).
	OpConnect
	// OpAccept indicates a listening channel has a pending connection.
	OpAccept
)

// OpNone is the empty interest set.
const OpNone Ops = 0

// String returns a "|" separated list of the set bits.
func (o Ops) String() string {
	if o == OpNone {
		return "none"
	}
	var parts []string
	if o&OpRead != 0 {
		parts = append(parts, "read")
	}
	if o&OpWrite != 0 {
		parts = append(parts, "write")
	}
	if o&OpConnect != 0 {
		parts = append(parts, "connect")
	}
	if o&OpAccept != 0 {
		parts = append(parts, "accept")
	}
	return strings.Join(parts, "|")
}

// Role identifies what a handler's channel is used for. The handler state
// machine does not depend on it.
type Role uint8

const (
	// RoleSession is an established, bidirectional channel.
	RoleSession Role = iota
	// RoleAcceptor is a listening channel. Acceptors are cancelled first
	// during shutdown.
	RoleAcceptor
	// RoleConnector is a channel with a connect in flight.
	RoleConnector
	// RoleVirtual is a handler that has no channel (yet).
	RoleVirtual
)

// String returns a human-readable representation of the role.
func (r Role) String() string {
	switch r {
	case RoleSession:
		return "session"
	case RoleAcceptor:
		return "acceptor"
	case RoleConnector:
		return "connector"
	case RoleVirtual:
		return "virtual"
	default:
		return "unknown"
	}
}
