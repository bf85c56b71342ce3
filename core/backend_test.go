package core

import (
	"testing"
)

func testService(algorithm string, weights ...uint32) *Service {
	svc := &Service{Name: "svc", Algorithm: algorithm}
	for i, w := range weights {
		svc.Endpoints = append(svc.Endpoints, Endpoint{
			Ip:     "127.0.0.1",
			Port:   uint16(9001 + i),
			Weight: w,
		})
	}
	return svc
}

func TestRoundRobinSequence(t *testing.T) {
	pool, err := NewBackendPool(testService("round_robin", 1, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"127.0.0.1:9001", "127.0.0.1:9002", "127.0.0.1:9003",
		"127.0.0.1:9001", "127.0.0.1:9002", "127.0.0.1:9003",
	}
	for i, expected := range want {
		b := pool.Select("k")
		if b == nil || b.Addr != expected {
			t.Fatalf("selection %d: expected %s, got %+v", i, expected, b)
		}
	}
}

func TestRoundRobinWeights(t *testing.T) {
	pool, err := NewBackendPool(testService("round_robin", 2, 1))
	if err != nil {
		t.Fatal(err)
	}
	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		counts[pool.Select("k").Addr]++
	}
	if counts["127.0.0.1:9001"] != 4 || counts["127.0.0.1:9002"] != 2 {
		t.Errorf("weights not respected: %v", counts)
	}
}

func TestRoundRobinConcurrent(t *testing.T) {
	pool, err := NewBackendPool(testService("round_robin", 1, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	const workers = 4
	const perWorker = 30
	results := make(chan string, workers*perWorker)
	for w := 0; w < workers; w++ {
		go func() {
			for i := 0; i < perWorker; i++ {
				results <- pool.Select("k").Addr
			}
		}()
	}
	counts := map[string]int{}
	for i := 0; i < workers*perWorker; i++ {
		counts[<-results]++
	}
	// the multiset must match single-threaded iteration: an even split
	for addr, n := range counts {
		if n != workers*perWorker/3 {
			t.Errorf("%s selected %d times, expected %d", addr, n, workers*perWorker/3)
		}
	}
}

func TestWeightedDeterministicPerKey(t *testing.T) {
	pool, err := NewBackendPool(testService("weighted", 1, 2, 3))
	if err != nil {
		t.Fatal(err)
	}
	first := pool.Select("example.com:/a")
	for i := 0; i < 10; i++ {
		if b := pool.Select("example.com:/a"); b.Addr != first.Addr {
			t.Fatal("weighted selection must be stable for a fixed key")
		}
	}
}

func TestConsistentStableAcrossRestarts(t *testing.T) {
	a, err := NewBackendPool(testService("consistent", 1, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBackendPool(testService("consistent", 1, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	keys := []string{"h1/a?x=1", "h2/b", "h3/c/d?q=2", "h4", "h5/e"}
	for _, k := range keys {
		if a.Select(k).Addr != b.Select(k).Addr {
			t.Errorf("ring selection for %q differs between identical pools", k)
		}
	}
}

func TestRandomRespectsMembership(t *testing.T) {
	pool, err := NewBackendPool(testService("random", 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	valid := map[string]bool{"127.0.0.1:9001": true, "127.0.0.1:9002": true}
	for i := 0; i < 50; i++ {
		if b := pool.Select("k"); !valid[b.Addr] {
			t.Fatalf("selected an unknown backend: %s", b.Addr)
		}
	}
}

func TestUnknownAlgorithmRejected(t *testing.T) {
	if _, err := NewBackendPool(testService("least_conn", 1)); err == nil {
		t.Error("expected an error for an unknown algorithm")
	}
}

func TestDefaultWeight(t *testing.T) {
	pool, err := NewBackendPool(testService("round_robin", 0))
	if err != nil {
		t.Fatal(err)
	}
	if pool.Backends()[0].Weight != 1 {
		t.Error("zero weight should default to 1")
	}
}
