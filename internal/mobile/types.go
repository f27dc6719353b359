// Package mobile implements the mobile ingest TCP server: one session per
// connection, each multiplexing an audio/video/control stream over the
// framed protocol in internal/netutil into a local FFmpeg muxer that
// republishes to RTMP and writes a periodic thumbnail.
package mobile

import (
	"context"
	"time"
)

// Position is one recorded GPS fix for a mobile session, broadcast on the
// "mobile_location" channel and persisted to the session's history.
type Position struct {
	Time  time.Time  `json:"time"`
	Coord [2]float64 `json:"coord"`
}

// SessionStore persists mobile session bookkeeping. The original's
// MongoDB `mobile_streams` collection (`_id`, `start`, `active`,
// `position[]`) is the model; internal/store provides a SQLite-backed
// implementation.
type SessionStore interface {
	// UpsertSession resumes id if it already names a record, or creates a
	// fresh one, returning the id actually in effect.
	UpsertSession(ctx context.Context, id string) (string, error)
	MarkInactive(ctx context.Context, id string) error
	AppendPosition(ctx context.Context, id string, pos Position) error
}

// Broadcaster publishes a message to all subscribers of a named channel,
// satisfied by internal/wsbus.Bus.
type Broadcaster interface {
	Broadcast(channel string, msg any)
}

// Metrics reports mobile session lifecycle events, satisfied by
// internal/metrics.Registry.
type Metrics interface {
	MobileSessionStarted()
	MobileSessionEnded(hadError bool)
}

// Config holds the mobile ingest server's tunables, sourced from
// internal/config.
type Config struct {
	ListenAddr     string
	Dir            string // per-session temp directory parent
	TimeLimit      time.Duration
	ProviderPrefix string // stream-name prefix, "M" in the original
	QueueLimit     int    // bounded media queue capacity, default 50000
	WaitTimeout    time.Duration
	RTMPAddr       string
	RTMPApp        string
	ThumbDir       string
	ThumbFormat    string
	MobileInterval time.Duration
}
