// Package timeouts defines shared timeout constants used across livetable.
// Centralizing these values prevents drift between the server and its clients.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// CommandAck caps how long a caller waits for a campaign channel to apply
// a command. After it elapses the outcome is unknown and clients re-sync.
const CommandAck = 5 * time.Second

// FrameWrite caps a single websocket frame write to a subscriber.
const FrameWrite = 2 * time.Second

// ChannelIdle is how long a campaign channel with no subscribers and no
// commands stays loaded before it is released.
const ChannelIdle = 2 * time.Minute

// Dial caps a client websocket dial attempt.
const Dial = 5 * time.Second
