// Package contracts provides the message model of the HTTP bridge protocol.
//
// Three commands flow from a caller to the bridge module on the shared command
// topic:
//   - SetupCommand: describe a target URL (and optional proxy); answered with a
//     ConnectionID
//   - DataCommand: issue an HTTP method with headers against a ConnectionID;
//     response bytes are delivered out-of-band on the command's output topic
//   - TeardownCommand: release the bridge module's connection slot
//
// Every command is answered with a StatusMessage on the command's reply topic.
// The status echoes the command kind, the command ID (as correlation ID) and the
// command sequence so that a reader of a latest-value topic can tell a fresh
// answer from a stale one.
package contracts
