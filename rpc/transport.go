// Package rpc is the point-to-point asynchronous transport collaborator
// spec §1 and §6 name but leave external to the core: "asyncRPC" in the
// original source, re-expressed as a small Transport interface with two
// implementations - an in-process Local transport for tests and the
// simulator, and a net/rpc-backed TCP transport for the real host
// binary.
package rpc

// Handler processes an inbound opcode+payload pair and optionally
// produces a response payload. A nil response with a nil error means
// "no reply expected" (the RPC is fire-and-forget from the caller's
// perspective, as with help-requests).
type Handler func(opcode uint8, payload []byte) (response []byte, err error)

// Transport is the asynchronous point-to-point exchange the core's
// phase engine and consensus module depend on. AsyncSend never blocks
// the caller; callback is invoked exactly once, with a non-nil err (and
// nil resp) on any transport failure - spec §7's "Transport failure"
// error kind.
type Transport interface {
	AsyncSend(addr string, opcode uint8, payload []byte, callback func(resp []byte, err error))
	// RegisterHandler installs the handler this participant's listener
	// dispatches inbound opcode traffic to.
	RegisterHandler(opcode uint8, h Handler)
	// LocalAddr is this participant's own address, as it appears in the
	// server set (spec §3).
	LocalAddr() string
}

// Opcodes. Spec §6: "one opcode, type-discriminated body" per protocol.
const (
	OpcodeInbac     uint8 = 1
	OpcodeConsensus uint8 = 2
)
