package broker

import (
	"net"
	"testing"

	"github.com/hcavarsan/kftray/internal/model"
)

func newTestHandle(key model.StreamKey) *handle {
	return &handle{
		key:       key,
		localAddr: "127.0.0.1:0",
		stopChan:  make(chan struct{}),
		leaseSem:  make(chan struct{}, PerKeyCap),
	}
}

func TestPoisonRemovesHandleAndClosesStopChan(t *testing.T) {
	b := New()
	key := model.StreamKey{Context: "ctx", Namespace: "ns", Pod: "pod", Port: 80}
	h := newTestHandle(key)

	b.mu.Lock()
	b.handles[key] = h
	b.mu.Unlock()

	b.Poison(key, net.ErrClosed)

	b.mu.Lock()
	_, stillPresent := b.handles[key]
	b.mu.Unlock()
	if stillPresent {
		t.Fatalf("expected handle to be removed from registry after Poison")
	}

	select {
	case <-h.stopChan:
	default:
		t.Fatalf("expected stopChan to be closed after Poison")
	}

	h.mu.Lock()
	poisoned := h.poisoned
	h.mu.Unlock()
	if !poisoned {
		t.Fatalf("expected handle.poisoned = true")
	}
}

func TestPoisonUnknownKeyIsNoop(t *testing.T) {
	b := New()
	b.Poison(model.StreamKey{Pod: "missing"}, nil) // must not panic
}

func TestReleaseSlotFreesGlobalAndPerKeySemaphores(t *testing.T) {
	b := New()
	key := model.StreamKey{Context: "ctx", Namespace: "ns", Pod: "pod", Port: 80}
	h := newTestHandle(key)

	b.mu.Lock()
	b.handles[key] = h
	b.mu.Unlock()

	b.globalSem <- struct{}{}
	h.leaseSem <- struct{}{}

	b.releaseSlot(key)

	if len(b.globalSem) != 0 {
		t.Errorf("expected global semaphore to be freed, len=%d", len(b.globalSem))
	}
	if len(h.leaseSem) != 0 {
		t.Errorf("expected per-key semaphore to be freed, len=%d", len(h.leaseSem))
	}
}

func TestCloseTearsDownAllHandles(t *testing.T) {
	b := New()
	keyA := model.StreamKey{Pod: "a"}
	keyB := model.StreamKey{Pod: "b"}
	hA, hB := newTestHandle(keyA), newTestHandle(keyB)

	b.mu.Lock()
	b.handles[keyA] = hA
	b.handles[keyB] = hB
	b.mu.Unlock()

	b.Close()

	for _, h := range []*handle{hA, hB} {
		select {
		case <-h.stopChan:
		default:
			t.Errorf("expected stopChan closed for %+v", h.key)
		}
	}

	b.mu.Lock()
	remaining := len(b.handles)
	b.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected registry to be empty after Close, got %d", remaining)
	}
}
