package hostadapter

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestValidateLoopbackAddress(t *testing.T) {
	valid := []string{"127.0.0.1", "127.0.0.2", "127.255.255.254"}
	for _, a := range valid {
		if err := ValidateLoopbackAddress(a); err != nil {
			t.Errorf("expected %q to be valid, got %v", a, err)
		}
	}

	invalid := []string{"128.0.0.1", "127.0.0", "127.0.0.256", "127.0.00.1", "127.0.0.1.1", "not-an-ip"}
	for _, a := range invalid {
		if err := ValidateLoopbackAddress(a); err == nil {
			t.Errorf("expected %q to be invalid", a)
		}
	}
}

func TestAddressPoolAllocateIsStableAndReleasesFreeSlots(t *testing.T) {
	p := newAddressPool()

	addr1, err := p.Allocate("svc-a")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	addr1Again, err := p.Allocate("svc-a")
	if err != nil {
		t.Fatalf("Allocate (repeat): %v", err)
	}
	if addr1 != addr1Again {
		t.Fatalf("expected repeat allocation for the same service to be stable: %s vs %s", addr1, addr1Again)
	}

	addr2, err := p.Allocate("svc-b")
	if err != nil {
		t.Fatalf("Allocate svc-b: %v", err)
	}
	if addr1 == addr2 {
		t.Fatalf("expected distinct services to get distinct addresses")
	}

	p.Release(addr1)
	addr3, err := p.Allocate("svc-c")
	if err != nil {
		t.Fatalf("Allocate svc-c: %v", err)
	}
	if addr3 != addr1 {
		t.Fatalf("expected released address %s to be reused, got %s", addr1, addr3)
	}
}

func TestHostsEntryUpsertAndRemoveByID(t *testing.T) {
	dir := t.TempDir()
	hostsPath := filepath.Join(dir, "hosts")
	if err := os.WriteFile(hostsPath, []byte("127.0.0.1 localhost\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := UpsertHostsEntry(hostsPath, "127.0.0.2", "myapp", 42); err != nil {
		t.Fatalf("UpsertHostsEntry: %v", err)
	}
	data, err := os.ReadFile(hostsPath)
	if err != nil {
		t.Fatal(err)
	}
	if !contains(string(data), "127.0.0.2 myapp # kftray custom host for myapp - 42") {
		t.Fatalf("expected tagged entry, got:\n%s", data)
	}

	if err := UpsertHostsEntry(hostsPath, "127.0.0.3", "myapp", 42); err != nil {
		t.Fatalf("UpsertHostsEntry (replace): %v", err)
	}
	data, _ = os.ReadFile(hostsPath)
	if contains(string(data), "127.0.0.2 myapp") {
		t.Fatalf("expected stale entry to be replaced, got:\n%s", data)
	}

	if err := RemoveHostsEntryByID(hostsPath, "myapp", 42); err != nil {
		t.Fatalf("RemoveHostsEntryByID: %v", err)
	}
	data, _ = os.ReadFile(hostsPath)
	if contains(string(data), "myapp") {
		t.Fatalf("expected entry to be removed, got:\n%s", data)
	}
	if !contains(string(data), "localhost") {
		t.Fatalf("expected unrelated entries to survive, got:\n%s", data)
	}
}

func TestHelperDispatchAddRemoveListLoopback(t *testing.T) {
	fb := &fakeBackend{}
	h := &Helper{backend: fb, pool: newAddressPool(), addrLocks: make(map[string]*sync.Mutex)}

	addResult := h.dispatch(NetworkCmd(NetworkCommand{Op: "Add", Address: "127.0.0.2"}))
	if addResult.Kind != "Success" {
		t.Fatalf("expected add to succeed, got %+v", addResult)
	}
	if len(fb.added) != 1 || fb.added[0] != "127.0.0.2" {
		t.Fatalf("expected backend.AddAlias to be called with 127.0.0.2, got %v", fb.added)
	}

	listResult := h.dispatch(NetworkCmd(NetworkCommand{Op: "List"}))
	if listResult.Kind != "List" || len(listResult.List) != 1 || listResult.List[0] != "127.0.0.2" {
		t.Fatalf("unexpected list result: %+v", listResult)
	}

	removeResult := h.dispatch(NetworkCmd(NetworkCommand{Op: "Remove", Address: "127.0.0.2"}))
	if removeResult.Kind != "Success" {
		t.Fatalf("expected remove to succeed, got %+v", removeResult)
	}

	invalidResult := h.dispatch(NetworkCmd(NetworkCommand{Op: "Add", Address: "10.0.0.1"}))
	if invalidResult.Kind != "Error" {
		t.Fatal("expected non-loopback address to be rejected")
	}
}

func TestCommandJSONRoundTrip(t *testing.T) {
	cases := []Command{
		PingCommand(),
		AddressCmd(AddressCommand{Op: "Allocate", ServiceName: "svc"}),
		AddressCmd(AddressCommand{Op: "Release", Address: "127.0.0.2"}),
		AddressCmd(AddressCommand{Op: "List"}),
		NetworkCmd(NetworkCommand{Op: "Add", Address: "127.0.0.2"}),
		NetworkCmd(NetworkCommand{Op: "List"}),
	}
	for _, c := range cases {
		data, err := c.MarshalJSON()
		if err != nil {
			t.Fatalf("marshal %+v: %v", c, err)
		}
		var decoded Command
		if err := decoded.UnmarshalJSON(data); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if decoded.Kind != c.Kind {
			t.Errorf("round-trip kind = %q, want %q (json: %s)", decoded.Kind, c.Kind, data)
		}
	}
}

func TestResultJSONRoundTrip(t *testing.T) {
	cases := []Result{
		SuccessResult(),
		ErrorResult("boom"),
		StringResult("127.0.0.2"),
		ListResult([]string{"127.0.0.2", "127.0.0.3"}),
		AllocationsResult([]Allocation{{ServiceName: "svc", Address: "127.0.0.2"}}),
	}
	for _, r := range cases {
		data, err := r.MarshalJSON()
		if err != nil {
			t.Fatalf("marshal %+v: %v", r, err)
		}
		var decoded Result
		if err := decoded.UnmarshalJSON(data); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if decoded.Kind != r.Kind {
			t.Errorf("round-trip kind = %q, want %q (json: %s)", decoded.Kind, r.Kind, data)
		}
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

type fakeBackend struct {
	added   []string
	removed []string
}

func (f *fakeBackend) AddAlias(addr string) error {
	f.added = append(f.added, addr)
	return nil
}

func (f *fakeBackend) RemoveAlias(addr string) error {
	f.removed = append(f.removed, addr)
	return nil
}

func (f *fakeBackend) ListAliases() ([]string, error) {
	return f.added, nil
}
