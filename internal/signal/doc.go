// Package signal relays WebRTC negotiation steps (offers, answers, ICE
// candidates) between a browser client and a remote plugin through a shared
// append-only message log, without a dedicated signaling server component.
package signal
