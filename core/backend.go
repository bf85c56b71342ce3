package core

import (
	"crypto/md5"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync/atomic"
)

// Backend is a single upstream endpoint with its pre-built peer
// descriptor: plain TCP, no SNI.
type Backend struct {
	Addr   string
	Weight uint32
}

// BackendPool is the tagged selector over a service's endpoint set. All
// four variants answer Select(key); only some of them use the key.
type BackendPool struct {
	algorithm string
	backends  []Backend

	// round-robin state: next slot index, strictly monotonic.
	rrNext uint64
	// weight-expanded slot list shared by round_robin.
	slots []int
	// cumulative weights for weighted/random selection.
	cumWeights  []uint64
	totalWeight uint64
	// ketama ring for consistent hashing.
	ring []ketamaPoint
}

type ketamaPoint struct {
	hash    uint32
	backend int
}

const ketamaPointsPerWeight = 160

func NewBackendPool(svc *Service) (*BackendPool, error) {
	if err := validateService(svc); err != nil {
		return nil, err
	}
	p := &BackendPool{algorithm: svc.Algorithm}
	for _, e := range svc.Endpoints {
		w := e.Weight
		if w == 0 {
			w = 1
		}
		p.backends = append(p.backends, Backend{
			Addr:   fmt.Sprintf("%s:%d", e.Ip, e.Port),
			Weight: w,
		})
	}

	switch svc.Algorithm {
	case "round_robin":
		for i, b := range p.backends {
			for n := uint32(0); n < b.Weight; n++ {
				p.slots = append(p.slots, i)
			}
		}
	case "weighted", "random":
		var total uint64
		for _, b := range p.backends {
			total += uint64(b.Weight)
			p.cumWeights = append(p.cumWeights, total)
		}
		p.totalWeight = total
	case "consistent":
		p.buildRing()
	}
	return p, nil
}

func (p *BackendPool) buildRing() {
	for i, b := range p.backends {
		points := int(b.Weight) * ketamaPointsPerWeight
		for n := 0; n < points/4; n++ {
			digest := md5.Sum([]byte(fmt.Sprintf("%s-%d", b.Addr, n)))
			for part := 0; part < 4; part++ {
				h := uint32(digest[part*4])<<24 |
					uint32(digest[part*4+1])<<16 |
					uint32(digest[part*4+2])<<8 |
					uint32(digest[part*4+3])
				p.ring = append(p.ring, ketamaPoint{hash: h, backend: i})
			}
		}
	}
	sort.Slice(p.ring, func(a, b int) bool { return p.ring[a].hash < p.ring[b].hash })
}

func (p *BackendPool) Algorithm() string {
	return p.algorithm
}

func (p *BackendPool) Backends() []Backend {
	return p.backends
}

// Select picks a backend for the request key. Returns nil when the pool
// is empty.
func (p *BackendPool) Select(key string) *Backend {
	if len(p.backends) == 0 {
		return nil
	}
	switch p.algorithm {
	case "round_robin":
		n := atomic.AddUint64(&p.rrNext, 1) - 1
		return &p.backends[p.slots[n%uint64(len(p.slots))]]
	case "weighted":
		h := fnv.New64a()
		h.Write([]byte(key))
		return p.pickWeighted(h.Sum64() % p.totalWeight)
	case "consistent":
		return p.pickRing(key)
	case "random":
		return p.pickWeighted(rand.Uint64() % p.totalWeight)
	}
	return nil
}

func (p *BackendPool) pickWeighted(n uint64) *Backend {
	i := sort.Search(len(p.cumWeights), func(i int) bool { return p.cumWeights[i] > n })
	return &p.backends[i]
}

func (p *BackendPool) pickRing(key string) *Backend {
	digest := md5.Sum([]byte(key))
	h := uint32(digest[0])<<24 | uint32(digest[1])<<16 | uint32(digest[2])<<8 | uint32(digest[3])
	i := sort.Search(len(p.ring), func(i int) bool { return p.ring[i].hash >= h })
	if i == len(p.ring) {
		i = 0
	}
	return &p.backends[p.ring[i].backend]
}
