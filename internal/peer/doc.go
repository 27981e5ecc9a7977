// Package peer owns the lifecycle of one WebRTC peer connection and its
// reliable, ordered "commands" data channel: offer/answer/ICE negotiation via
// the signaling channel, observable connection state, and round-trip-time
// based connection-quality sampling.
package peer
