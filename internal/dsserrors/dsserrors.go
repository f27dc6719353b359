// Package dsserrors declares the sentinel error kinds shared across
// packages so the HTTP control surface can classify a failure with
// errors.Is regardless of which package produced it.
package dsserrors

import "errors"

var (
	// ErrSpawnFailure means a child process failed to start.
	ErrSpawnFailure = errors.New("dss: spawn failure")
	// ErrUnknownStream means a provider prefix or stream id could not be
	// resolved.
	ErrUnknownStream = errors.New("dss: unknown stream")
	// ErrProtocol means a mobile session received a malformed frame or
	// violated the handshake contract.
	ErrProtocol = errors.New("dss: protocol error")
	// ErrBackpressure means a mobile session's media pump could not keep
	// up with its queue or stalled past its wait timeout.
	ErrBackpressure = errors.New("dss: backpressure")
	// ErrStatFetch means the upstream RTMP stat XML could not be fetched
	// or parsed.
	ErrStatFetch = errors.New("dss: stat fetch failure")
	// ErrNotAlive means a control operation that requires a running
	// supervisor (e.g. publish_start) was attempted on a stopped one.
	ErrNotAlive = errors.New("dss: stream not alive")
)
