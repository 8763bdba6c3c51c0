// Package distributed defines the communication primitives the resharding protocol is built on.
//
// A Group is one rank's membership in a sharding process group: it provides the rank's identity,
// an all-gather of small per-rank metadata payloads, and blocking point-to-point transfers of
// raw buffers. All calls are blocking, collective-style: an AllGather must be entered by every
// rank of the group, and every Recv must be matched by exactly one Send issued in the same
// relative order on the sending rank. No timeouts are modeled -- a missing participant hangs
// the whole group, as with any collective communication library.
//
// The production transport (NCCL-style collectives, RPC, etc.) lives behind this interface and
// is supplied by the surrounding training framework. The Mesh implementation in this package
// runs a group in-process, one goroutine per rank; it backs the tests and single-host tooling.
package distributed

// Group is one rank's view of a sharding process group of Size() ranks, numbered [0, Size).
type Group interface {
	// Rank of the local process within the group.
	Rank() int

	// Size is the number of ranks in the group.
	Size() int

	// AllGather deposits this rank's payload and returns every rank's payload, indexed by rank.
	// It blocks until all ranks of the group have called it. The returned payloads are owned by
	// the caller.
	AllGather(local []byte) ([][]byte, error)

	// Send transfers data to rank `to`. It blocks until the transfer is accepted by the
	// transport. The caller keeps ownership of data.
	Send(data []byte, to int) error

	// Recv receives exactly len(buf) bytes from rank `from` into buf. It blocks until the
	// matching Send completes.
	Recv(buf []byte, from int) error
}
