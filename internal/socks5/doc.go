// Package socks5 implements the SOCKS5 frames (RFC 1928) spoken at the
// client entry point and between relay nodes, as incremental decoders and
// handshake state machines that never touch a socket.
//
// Decoders take whatever bytes have arrived so far. They return a frame and
// the number of bytes it used, domain.ErrNeedMore when the frame is still
// incomplete, or a protocol error.
//
// # Inter-node extension
//
// Relay nodes speak a private extension of the wire format. It is not
// standard SOCKS5 and no third-party client understands it:
//
//   - The greeting offers method MethodOnion (0x80, from the range RFC 1928
//     reserves for private methods). A relay listener accepts nothing else.
//   - The request carries address type AtypOnion (0x80) with CMD=CONNECT.
//     The address field is a 2-byte big-endian length followed by that many
//     bytes of one sealed onion layer. No port follows.
//   - Responses are standard. A relay sends its reply only once the rest of
//     the chain has answered, so the success reply the client sees means the
//     whole circuit reached the destination.
//
// After a success reply both directions carry layered stream ciphertext.
package socks5
