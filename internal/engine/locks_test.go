package engine

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	counter := map[string]*int{"a": new(int), "b": new(int)}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b"} {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				unlock := k.Lock(key)
				*counter[key]++
				unlock()
			}(key)
		}
	}
	wg.Wait()
	if *counter["a"] != 50 || *counter["b"] != 50 {
		t.Fatalf("unexpected counts a=%d b=%d", *counter["a"], *counter["b"])
	}
	if k.size() != 0 {
		t.Fatalf("expected idle entries to be released, %d left", k.size())
	}
}
