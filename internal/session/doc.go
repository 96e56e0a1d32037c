// Package session tracks active protocol sessions and fans server-push
// events out to them. The Broadcaster interface is the seam between the
// data client, which only needs "who is listening" and "tell them", and
// the transport that actually owns the sessions.
package session
