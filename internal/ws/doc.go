// Package ws provides websocket connection tracking and the inbound frame
// pipeline.
//
// The package implements:
//   - Registry: live connections plus user, workspace and topic reverse indices
//   - Client: a gorilla/websocket connection with a buffered send queue
//   - Handler: upgrade, read/write pumps and per-frame processing
//
// Frames are JSON objects {"type", "data"}. ping, subscribe, unsubscribe,
// join_workspace and leave_workspace are handled by the connection; every other
// type must have a queue handler and is rate limited, checked against workspace
// membership and enqueued. Server envelopes carry an extra "timestamp".
package ws
