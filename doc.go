// Package softsip is a pure-Go SIP stack for voice-over-IP endpoints:
// a codec for RFC 3261 messages, a multi-channel transport layer with
// RFC 3263 resolution, the four transaction state machines, a dialog
// layer, and a user agent with calls, registration, digest
// authentication and REFER transfer.
//
// The subsystems live in their own packages and stack bottom-up:
//
//	sip         message model, parser, serializer
//	transport   UDP/TCP/TLS/WebSocket channels, DNS resolution
//	transaction RFC 3261 section 17 state machines
//	dialog      dialog state and in-dialog request construction
//	ua          the user agent: place, answer, hold, transfer, register
//
// Most applications only need the ua package:
//
//	agent, err := ua.New(&ua.Options{
//		LocalURI: &sip.SIPURI{User: "alice", Host: "example.com"},
//		Bindings: []ua.Binding{{Network: "udp", Addr: "0.0.0.0:5060"}},
//	})
package softsip
