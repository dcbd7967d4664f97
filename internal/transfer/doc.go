// Package transfer reassembles chunked recording and file uploads from
// device agents, with per-kind inactivity timeouts and duplicate-chunk
// tolerance.
package transfer
