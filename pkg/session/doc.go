// Package session runs the zero-tap OTP state machine.
//
// A Machine owns at most one session at a time:
//
//	Idle -> HandshakeSent -> Listening -> Resolved
//
// Request sends the handshake to the installed providers and moves the
// session to Listening. While listening, Handle classifies each inbound
// message by its kind and by the platform-attested sender:
//
//   - KindReply carries the echoed correlation token. Replies from unknown
//     senders, or with a token that is missing, forged, expired or already
//     used, are discarded and only logged.
//   - KindBroadcast carries the code. A code from a known provider that
//     passes the configured CodeValidator resolves the session exactly once
//     and emits an OtpReceived event. Anything else is reported as an
//     OtpError event and the session keeps listening.
//   - KindAutofill re-emits a code for a tap-to-fill affordance and never
//     resolves the session.
//
// The sender is always InboundMessage.Sender, set by the transport. The
// "package_name" extra is payload and is never trusted.
//
// Intents that fail translation (an unknown action or a non-string extra)
// still reach the machine with InboundMessage.Malformed set. They are judged
// after the state and sender checks, so a message arriving while idle is
// dropped silently and a spoofed broadcast is reported as an unauthorized
// sender whatever its payload.
//
// Stop, a new Request, or the optional timeout end a session. Messages that
// arrive afterwards are discarded.
//
// A Dispatcher serializes inbound messages onto a single worker and a
// Receiver translates platform intents into InboundMessage values for it.
package session
