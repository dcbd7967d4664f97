// Package stream fans live screen frames out from device agents to
// console subscribers.
//
// # Overview
//
// The Fanout tracks, per device, the set of subscribed consoles and the
// stream parameters currently in force. The device streams at the maximum
// quality and fps demanded across subscribers: the first subscriber
// starts the stream, a higher demand restarts it, the last unsubscribe
// stops it. Unsubscribing a non-final subscriber never touches the
// device, even if it held the maximum, so remaining viewers are not
// interrupted.
//
// # Delivery
//
// Frames are delivered to each subscriber over a small buffered channel
// with a non-blocking send. A slow console loses frames; it never stalls
// the publisher or other subscribers, and frames are never queued beyond
// the channel buffer. Screen frames are ephemeral by design.
//
// # Device Loss
//
// DropDevice closes every subscription for a device without issuing a
// stop command, for when the device itself has gone away.
package stream
