// Package federated distributes the train identities over simulated
// federated-learning clients.
//
// For a client count N, the train list is shuffled with a generator seeded
// by DeriveSeed(base, N). Phase one walks the clients in index order, draws
// a size in [min, max] for each and takes that many identities from the
// shuffled list, stopping when it runs out. Phase two hands every identity
// left over, in order, to a uniformly drawn client.
package federated

import (
	"fmt"

	"fedpoison/internal/faults"
	"fedpoison/internal/mtrand"
)

// Bounds are the inclusive per-client size bounds of phase one.
type Bounds struct {
	Min int
	Max int
}

// DeriveSeed returns the generator seed for a client count: base + n.
// Every client-count setting thus draws from its own stream.
func DeriveSeed(base int64, n int) int64 {
	return base + int64(n)
}

// Partition assigns every identity of trainIDs to exactly one of n clients.
// The input is not modified. The result is verified before it is returned.
func Partition(trainIDs []string, n int, seedBase int64, bounds Bounds) ([][]string, error) {
	if n < 1 {
		return nil, faults.Configf("client count %d must be positive", n)
	}
	if bounds.Min < 1 || bounds.Max < bounds.Min {
		return nil, faults.Configf("invalid client size bounds [%d, %d]", bounds.Min, bounds.Max)
	}
	if len(trainIDs) == 0 {
		return nil, faults.ErrEmptyPool
	}

	rng := mtrand.New(DeriveSeed(seedBase, n))
	ids := append([]string(nil), trainIDs...)
	mtrand.ShuffleSlice(rng, ids)

	clients := make([][]string, n)
	idx := 0
	for cid := 0; cid < n; cid++ {
		size := rng.IntRange(bounds.Min, bounds.Max)
		for i := 0; i < size && idx < len(ids); i++ {
			clients[cid] = append(clients[cid], ids[idx])
			idx++
		}
	}

	for _, id := range ids[idx:] {
		cid := rng.IntRange(0, n-1)
		clients[cid] = append(clients[cid], id)
	}

	if err := Verify(clients, trainIDs); err != nil {
		return nil, err
	}
	return clients, nil
}

// Verify checks that no client is empty, that every identity of trainIDs is
// assigned exactly once, and that nothing else is.
func Verify(clients [][]string, trainIDs []string) error {
	var empty []int
	total := 0
	for cid, ids := range clients {
		if len(ids) == 0 {
			empty = append(empty, cid)
		}
		total += len(ids)
	}
	if total != len(trainIDs) {
		return fmt.Errorf("%w: assigned %d of %d identities", faults.ErrIdentityLoss, total, len(trainIDs))
	}
	if len(empty) > 0 {
		return fmt.Errorf("%w: clients %v", faults.ErrEmptyClient, empty)
	}

	want := make(map[string]int, len(trainIDs))
	for _, id := range trainIDs {
		want[id]++
	}
	owner := make(map[string]int, total)
	for cid, ids := range clients {
		for _, id := range ids {
			if prev, ok := owner[id]; ok {
				return fmt.Errorf("%w: %s in clients %d and %d", faults.ErrLeakage, id, prev, cid)
			}
			owner[id] = cid
			if want[id] == 0 {
				return faults.Integrityf("identity %s is not in the train split", id)
			}
		}
	}
	return nil
}

// ClientFile returns the file name of client cid: client_NN.txt.
func ClientFile(cid int) string {
	return fmt.Sprintf("client_%02d.txt", cid)
}

// SettingDir returns the directory name of client count n: clients_N.
func SettingDir(n int) string {
	return fmt.Sprintf("clients_%d", n)
}
