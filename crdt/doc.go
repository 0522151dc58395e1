/*
Package crdt implements the operation-based replicated document that carries
the shared state of a collabfs session: last-writer-wins maps for file
metadata and user activity, an RGA text sequence per file path, and a
deterministically ordered append-only entry log.

Replicas exchange state through three primitives: StateVector summarizes the
operations a replica has integrated, EncodeStateAsUpdate produces the
operations a remote replica is missing, and ApplyUpdate integrates such an
encoding. Updates are idempotent and commutative: applying the same bytes
twice is a no-op, and out-of-order delivery is buffered until the causal gap
closes. Text operations whose parent element has not arrived yet are parked
and integrated once the parent shows up, so the only delivery requirement on
the transport is per-connection FIFO.

All exported methods on Doc synchronize internally. Mutations go through
Transact, which batches any number of container changes into one update and
one change notification. Handlers registered with OnUpdate run synchronously
while the document lock is held and must not call back into the Doc.
*/
package crdt
