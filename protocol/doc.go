// Package protocol defines the vocabulary shared by the coordinator and the
// segment nodes of an FTILlite computation.
//
// # Nodes and scopes
//
// A Node is a participant identified by a numeric id. A NodeSet is an
// immutable set of nodes and doubles as an execution scope: the set of
// nodes that run a command or hold a value.
//
// # Command protocol
//
// Commands are single-line texts. The coordinator builds a template
//
//	<opcode> <newHandleCount> <args...>
//
// and the dispatcher binds freshly allocated handles after the count:
//
//	<opcode> <n> <h1> ... <hn> <args...>
//
// Nodes answer with one of:
//
//	array <typecode> <handle> ...          new handles
//	listmap <typecodes> <handle> ...
//	error <message>
//	ack
//	int <v> | intlist ... | floatlist ... | bytearraylist ... | bool 0|1
//	node <id> <name>
//	map <nodeId> <kind> <typecode> <handle> ...   transmit results
//
// Commands travel inside a JSON Envelope published to the node's
// FTILITE_INCOMING_<id> queue.
//
// # Typecodes
//
// i (int64), f (float64), I (edwards25519 scalar), E (edwards25519 point)
// and bN (N-byte bytearray). Composite values concatenate their parts.
//
// # Errors
//
// The error taxonomy is a set of sentinels (ErrScopeViolation,
// ErrTypeMismatch, ErrKeyUniqueness, ErrRemoteArithmetic, ErrTransport,
// ErrVerificationFailure) matched with errors.Is. Node-reported failures are
// NodeError values aggregated into a RemoteError.
//
// # Transmit scheduling
//
// ScheduleRounds splits a set of transfers into rounds where every node
// sends at most once and receives at most once.
package protocol
