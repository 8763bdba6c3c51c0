package distributed

import (
	"sync"

	"github.com/gomlx/reshard/types/xsync"
	"github.com/pkg/errors"
)

// maxInFlightTransfers bounds the number of un-received point-to-point transfers per
// (sender, receiver) pair before Send blocks.
const maxInFlightTransfers = 16

// Mesh is an in-process process group: every rank is a goroutine sharing the same Mesh.
// It implements the Group contract with per-pair channels for point-to-point transfers
// and a barrier for AllGather.
//
// Use Mesh.Rank to get the Group handle of each rank, or Mesh.Run to drive one goroutine
// per rank.
type Mesh struct {
	size int

	// links[from][to] carries the point-to-point transfers.
	links [][]chan []byte

	// muGather protects round.
	muGather sync.Mutex
	round    *gatherRound
}

// gatherRound is one in-flight AllGather: it accumulates every rank's payload and
// latches when the last rank deposits.
type gatherRound struct {
	payloads  [][]byte
	remaining int
	done      *xsync.Latch
}

// NewMesh creates an in-process group with the given number of ranks.
func NewMesh(size int) *Mesh {
	if size <= 0 {
		panic(errors.Errorf("distributed.NewMesh(%d): size must be > 0", size))
	}
	m := &Mesh{size: size}
	m.links = make([][]chan []byte, size)
	for from := range m.links {
		m.links[from] = make([]chan []byte, size)
		for to := range m.links[from] {
			m.links[from][to] = make(chan []byte, maxInFlightTransfers)
		}
	}
	return m
}

// Size of the group.
func (m *Mesh) Size() int { return m.size }

// Rank returns the Group handle for the given rank.
func (m *Mesh) Rank(rank int) Group {
	if rank < 0 || rank >= m.size {
		panic(errors.Errorf("Mesh.Rank(%d): valid ranks are [0, %d)", rank, m.size))
	}
	return &meshRank{mesh: m, rank: rank}
}

// Run executes fn concurrently on every rank of the mesh and waits for all of them.
// It returns the first error reported, annotated with the rank that produced it.
func (m *Mesh) Run(fn func(g Group) error) error {
	var wg sync.WaitGroup
	errs := make([]error, m.size)
	for rank := 0; rank < m.size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			if err := fn(m.Rank(rank)); err != nil {
				errs[rank] = errors.WithMessagef(err, "rank %d", rank)
			}
		}(rank)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// meshRank is one rank's Group handle on a Mesh.
type meshRank struct {
	mesh *Mesh
	rank int
}

func (r *meshRank) Rank() int { return r.rank }

func (r *meshRank) Size() int { return r.mesh.size }

// AllGather implements Group.AllGather with a barrier: the last rank to deposit closes
// the round and releases everyone.
func (r *meshRank) AllGather(local []byte) ([][]byte, error) {
	m := r.mesh
	m.muGather.Lock()
	round := m.round
	if round == nil {
		round = &gatherRound{
			payloads:  make([][]byte, m.size),
			remaining: m.size,
			done:      xsync.NewLatch(),
		}
		m.round = round
	}
	if round.payloads[r.rank] != nil {
		m.muGather.Unlock()
		return nil, errors.Errorf("rank %d entered AllGather twice in the same round", r.rank)
	}
	round.payloads[r.rank] = cloneBytes(local)
	round.remaining--
	if round.remaining == 0 {
		// Round complete: detach it so the next AllGather call starts a fresh one.
		m.round = nil
		round.done.Trigger()
	}
	m.muGather.Unlock()

	round.done.Wait()
	results := make([][]byte, m.size)
	for rank, payload := range round.payloads {
		results[rank] = cloneBytes(payload)
	}
	return results, nil
}

func (r *meshRank) Send(data []byte, to int) error {
	if to < 0 || to >= r.mesh.size {
		return errors.Errorf("rank %d cannot Send to rank %d: valid ranks are [0, %d)", r.rank, to, r.mesh.size)
	}
	if to == r.rank {
		return errors.Errorf("rank %d cannot Send to itself", r.rank)
	}
	r.mesh.links[r.rank][to] <- cloneBytes(data)
	return nil
}

func (r *meshRank) Recv(buf []byte, from int) error {
	if from < 0 || from >= r.mesh.size {
		return errors.Errorf("rank %d cannot Recv from rank %d: valid ranks are [0, %d)", r.rank, from, r.mesh.size)
	}
	if from == r.rank {
		return errors.Errorf("rank %d cannot Recv from itself", r.rank)
	}
	data := <-r.mesh.links[from][r.rank]
	if len(data) != len(buf) {
		return errors.Errorf("rank %d Recv from rank %d: got %d bytes, expected %d -- send/recv calls are mismatched",
			r.rank, from, len(data), len(buf))
	}
	copy(buf, data)
	return nil
}

func cloneBytes(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	clone := make([]byte, len(data))
	copy(clone, data)
	return clone
}
