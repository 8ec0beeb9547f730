/*
Package sync is the peer adapter that exchanges document updates between
replicas.

A Peer observes every table of its document and encodes committed
transactions into incremental updates on an outbound channel; inbound
updates apply through Apply with the peer's id as the transaction origin.
The origin is the contract: observers elsewhere (the markdown provider, a
browser-extension translator) use it to decide whether a change is a
remote command that must propagate to external systems or a confirmation
of a local write.

Wire framing, rooms, and socket lifecycle are a transport concern; this
package exposes Updates/Apply/Snapshot so any transport can be attached.
Connect wires two in-process peers directly, which is also how the tests
exercise convergence.
*/
package sync
