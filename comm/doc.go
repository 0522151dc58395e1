/*
Package comm defines the frame envelope spoken between a collabfs hub and
its client replicas, and the transport that carries it over any reliable
ordered byte stream.

Every frame starts with a kind byte: sync frames carry a step byte plus an
opaque payload for the document exchange, awareness frames carry opaque
presence bytes that are relayed without interpretation, and control frames
carry a small UTF-8 JSON object for the join/leave/heartbeat/activity
choreography. Integers and byte arrays inside frames use the same
variable-length primitives as the document encoding in package crdt.

On the wire each frame is preceded by its length as a variable-length
unsigned integer, making the stream self-delimiting.
*/
package comm
