package kubeclient

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

const kubeconfigA = `
apiVersion: v1
kind: Config
clusters:
- name: cluster-a
  cluster:
    server: https://a.example.com
contexts:
- name: ctx-a
  context:
    cluster: cluster-a
    user: user-a
current-context: ctx-a
users:
- name: user-a
  user:
    token: token-a
`

const kubeconfigB = `
apiVersion: v1
kind: Config
clusters:
- name: cluster-a
  cluster:
    server: https://b.example.com
- name: cluster-b
  cluster:
    server: https://b2.example.com
contexts:
- name: ctx-b
  context:
    cluster: cluster-b
    user: user-b
users:
- name: user-b
  user:
    token: token-b
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp kubeconfig: %v", err)
	}
	return p
}

func TestMergeKubeconfigsEarlierWins(t *testing.T) {
	a := writeTemp(t, "a.yaml", kubeconfigA)
	b := writeTemp(t, "b.yaml", kubeconfigB)

	merged, err := mergeKubeconfigs(a + ":" + b)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	if got := merged.Clusters["cluster-a"].Server; got != "https://a.example.com" {
		t.Errorf("cluster-a server = %q, want earlier entry to win", got)
	}
	if _, ok := merged.Clusters["cluster-b"]; !ok {
		t.Errorf("expected cluster-b to be present from second file")
	}
	if _, ok := merged.Contexts["ctx-a"]; !ok {
		t.Errorf("expected ctx-a present")
	}
	if _, ok := merged.Contexts["ctx-b"]; !ok {
		t.Errorf("expected ctx-b present")
	}
}

func TestMergeKubeconfigsNoReadableFiles(t *testing.T) {
	if _, err := mergeKubeconfigs("/nonexistent/a:/nonexistent/b"); err != ErrNoKubeconfig {
		t.Errorf("expected ErrNoKubeconfig, got %v", err)
	}
}

func TestSplitKubeconfigPaths(t *testing.T) {
	paths := splitKubeconfigPaths("/a:/b: :/c")
	want := []string{"/a", "/b", "/c"}
	if len(paths) != len(want) {
		t.Fatalf("got %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestHashKubeconfigSetStable(t *testing.T) {
	h1 := hashKubeconfigSet("/a:/b")
	h2 := hashKubeconfigSet("/a:/b")
	h3 := hashKubeconfigSet("/a:/c")
	if h1 != h2 {
		t.Errorf("same input produced different hashes")
	}
	if h1 == h3 {
		t.Errorf("different input produced same hash")
	}
}

func TestInvalidateDropsOnlyMatchingContext(t *testing.T) {
	f := NewFactory()
	f.cache[cacheKey{context: "ctx-a", kubeconfigHash: 1}] = &Client{Context: "ctx-a"}
	f.cache[cacheKey{context: "ctx-b", kubeconfigHash: 1}] = &Client{Context: "ctx-b"}

	f.Invalidate("ctx-a")

	if _, ok := f.cache[cacheKey{context: "ctx-a", kubeconfigHash: 1}]; ok {
		t.Errorf("expected ctx-a entry to be invalidated")
	}
	if _, ok := f.cache[cacheKey{context: "ctx-b", kubeconfigHash: 1}]; !ok {
		t.Errorf("expected ctx-b entry to remain cached")
	}
}

func TestInvalidateAllDropsEveryEntry(t *testing.T) {
	f := NewFactory()
	f.cache[cacheKey{context: "ctx-a", kubeconfigHash: 1}] = &Client{Context: "ctx-a"}
	f.cache[cacheKey{context: "ctx-b", kubeconfigHash: 2}] = &Client{Context: "ctx-b"}

	f.InvalidateAll()

	if len(f.cache) != 0 {
		t.Errorf("expected empty cache after InvalidateAll, got %d entries", len(f.cache))
	}
}

func TestWatchConfigInvalidatesOnFileWrite(t *testing.T) {
	p := writeTemp(t, "watched.yaml", kubeconfigA)

	f := NewFactory()
	f.cache[cacheKey{context: "ctx-a", kubeconfigHash: 1}] = &Client{Context: "ctx-a"}

	cw, err := WatchConfig(f, p)
	if err != nil {
		t.Fatalf("WatchConfig: %v", err)
	}
	defer cw.Close()

	if err := os.WriteFile(p, []byte(kubeconfigB), 0o600); err != nil {
		t.Fatalf("rewrite watched file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		empty := len(f.cache) == 0
		f.mu.Unlock()
		if empty {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("expected cache to be invalidated after watched file changed")
}

func TestToPlaintextHost(t *testing.T) {
	if got := toPlaintextHost("https://example.com:6443"); got != "http://example.com:6443" {
		t.Errorf("toPlaintextHost() = %q", got)
	}
}

func TestMergeIntoPreservesCurrentContext(t *testing.T) {
	dst := clientcmdapi.NewConfig()
	src := clientcmdapi.NewConfig()
	src.CurrentContext = "ctx-a"

	mergeInto(dst, src)

	if dst.CurrentContext != "ctx-a" {
		t.Errorf("expected current-context to be adopted from first populated source")
	}
}
