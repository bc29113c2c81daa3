// Package transport pairs requests with replies over a single
// bidirectional message channel.
//
// A Client allocates monotonically increasing ids, keeps a pending entry
// per outstanding request, and settles each entry exactly once: on reply
// arrival, on timeout expiry, or on context cancellation, whichever comes
// first. Late replies for already-settled ids are dropped. Progress
// messages carry no id and are routed to a broadcast handler instead.
//
// The correlation logic is independent of the concrete channel: anything
// implementing Port can sit on the other side.
package transport
