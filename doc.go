// Package host implements the core of a Bluetooth host stack: HCI
// transport and command/event/ACL channels, an L2CAP multiplexer with
// dynamic-channel and BR/EDR+LE signaling state machines, an ATT
// bearer and GATT client, SMP pairing for both LE and BR/EDR, GAP
// connection management (LE and BR/EDR initiation, BR/EDR
// interrogation, pairing-gated channel open), and a process-wide peer
// cache and bonding store.
//
// The whole core runs on a single cooperative dispatcher
// (internal/dispatch): every callback, timer, and channel handler
// executes on that one goroutine, and host state is mutated only from
// there. The only thread boundary is between controller I/O (the
// hci.Controller implementation a caller supplies) and the
// dispatcher; incoming packets cross it as posted tasks.
//
// Construct a Host with New, supplying a dispatch.Loop and an
// hci.Controller. Protocol byte transport to an actual controller
// (a USB/UART driver, a virtual controller over a socket) is
// intentionally out of scope: hci.Controller is a five-stream packet
// interface, and wiring it to a real device is left to the caller.
package host
