/*
Package mirror replicates a graph of plain objects and arrays across
a group of peer nodes.  Every node holds a full copy; the application
reads and writes it through Handles as if it were local, and every
write is broadcast to the other nodes, which converge on the same
state even when messages arrive late, twice, or out of order.

Uses

- Shared in-memory state for a small cluster of cooperating processes

- Collaborative documents and game state

- Replicated configuration that any member can edit

Model

The graph has a single root, which is either a scalar or a container.
Containers are objects (string keys) or arrays (dense indexes) whose
values are scalars (nil, bool, float64, string) or references to other
containers.  References may be shared and may form cycles; each
container has a network-wide id and exactly one Handle per node.

Every property carries a Clock, a (counter, hostname) pair.  Clocks are
totally ordered, counter first and hostname second, so for any two
concurrent writes to one property every node keeps the same one: a
write is applied only if its clock follows the stored clock.  This
makes assign and delete idempotent and commutative without any
coordination.

Sequence operations (push, pop, splice, sort...) change many indexes
at once.  When the writer holds the container's exclusive lock they
travel as a call that peers replay; otherwise the writer ships the
resulting contents as a replace carrying one clock for every index.
A replace acts like a write to every index at that clock: indexes
written after it keep their values, and element writes older than the
last replace are dropped.

Lazy transfer

A node that receives a reference to a container it has never seen
leaves the property empty, asks its peers for the container with an
export, and fills the property in when the import arrives.  Requests
made while handling one message are batched.  A node that calls Sync
starts empty and pulls the whole graph this way; EventReady fires when
nothing is outstanding.

Garbage collection

Containers unreachable from the root are dropped from the registry
shortly after the last change (DefaultGCDelay), or on demand with
Collect.

Locks

Acquire claims a container for exclusive use.  Peers grant the claim
unless they know of a stronger one; between simultaneous provisional
claims the greater hostname wins.  The claim is fixed when the first
peer acknowledges it.  Release and AwaitRelease complete the cycle.

Transports and persistence

A Node only needs a Transport to send and calls to Receive for what
arrives.  Package transport links nodes in memory, transport/ws links
them over WebSockets, and JSONCodec or ProtoCodec put messages on the
wire.  Snapshots can be saved by content hash to any Persist, such as
the ones in persist/file and persist/s3.
*/
package mirror
