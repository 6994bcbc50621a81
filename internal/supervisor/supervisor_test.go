package supervisor

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/hcavarsan/kftray/internal/hostadapter"
	"github.com/hcavarsan/kftray/internal/model"
	"github.com/hcavarsan/kftray/internal/resolver"
	"github.com/hcavarsan/kftray/internal/store"
)

type fakeRunner struct {
	stopped chan struct{}
}

func newFakeRunner() *fakeRunner { return &fakeRunner{stopped: make(chan struct{})} }

func (f *fakeRunner) Run() error    { <-f.stopped; return nil }
func (f *fakeRunner) Stop()         { close(f.stopped) }
func (f *fakeRunner) BoundPort() int { return 4000 }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("", store.ModeMemory)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStopOneCancelsHandleAndClearsRunState(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.UpsertConfig(0, model.Configuration{ID: 1, Alias: "db"}, nil); err != nil {
		t.Fatalf("UpsertConfig: %v", err)
	}
	if err := st.SetRunState(1, true, nil); err != nil {
		t.Fatalf("SetRunState: %v", err)
	}

	sup := New(Options{Store: st, HostAdapter: hostadapter.NewAdapter("/tmp/nonexistent-kftray-test.sock")})

	runner := newFakeRunner()
	ctx, cancel := context.WithCancel(context.Background())
	key := model.NewProcessHandleKey(1, "db")
	sup.handles[key] = &handle{configID: 1, cancel: cancel, runner: runner}
	go runner.Run()
	go func() {
		<-ctx.Done()
		runner.Stop()
	}()

	if err := sup.StopOne(1, "db"); err != nil {
		t.Fatalf("StopOne: %v", err)
	}

	select {
	case <-runner.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected runner to be stopped")
	}

	if _, ok := sup.handles[key]; ok {
		t.Fatal("expected handle to be removed from the process table")
	}

	rs, err := st.RunState(1)
	if err != nil {
		t.Fatalf("RunState: %v", err)
	}
	if rs.IsRunning {
		t.Fatal("expected run state cleared after StopOne")
	}
}

func TestStopOneUnknownHandleReturnsError(t *testing.T) {
	sup := New(Options{})
	if err := sup.StopOne(999, "missing"); err == nil {
		t.Fatal("expected an error for an unknown handle")
	}
}

func TestStopAllStopsEveryHandleAndClearsAllRunStates(t *testing.T) {
	st := openTestStore(t)
	for _, id := range []int64{1, 2, 3} {
		if _, err := st.UpsertConfig(0, model.Configuration{ID: id, Alias: "svc"}, nil); err != nil {
			t.Fatalf("UpsertConfig %d: %v", id, err)
		}
		if err := st.SetRunState(id, true, nil); err != nil {
			t.Fatalf("SetRunState %d: %v", id, err)
		}
	}

	sup := New(Options{Store: st})

	runners := make([]*fakeRunner, 0, 3)
	for _, id := range []int64{1, 2, 3} {
		r := newFakeRunner()
		runners = append(runners, r)
		ctx, cancel := context.WithCancel(context.Background())
		sup.handles[model.NewProcessHandleKey(id, "svc")] = &handle{configID: id, cancel: cancel, runner: r}
		go r.Run()
		go func() {
			<-ctx.Done()
			r.Stop()
		}()
	}

	if err := sup.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	if len(sup.handles) != 0 {
		t.Fatalf("expected empty process table after StopAll, got %d entries", len(sup.handles))
	}

	for _, id := range []int64{1, 2, 3} {
		rs, err := st.RunState(id)
		if err != nil {
			t.Fatalf("RunState %d: %v", id, err)
		}
		if rs.IsRunning {
			t.Fatalf("expected config %d to be marked not running after StopAll", id)
		}
	}
}

func readyPod(name, namespace string, labels map[string]string, containerPort int32) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: labels},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: "app", Ports: []corev1.ContainerPort{{ContainerPort: containerPort}}}},
		},
		Status: corev1.PodStatus{
			Phase:      corev1.PodRunning,
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
		},
	}
}

func TestReconcileInvalidatesResolverCacheWithoutTouchingLoopbacks(t *testing.T) {
	r := resolver.New()
	cfg := model.Configuration{
		ID:        1,
		Namespace: "default",
		Selector:  model.Selector{Kind: model.SelectorPodLabel, LabelSelector: "app=svc"},
		RemotePort: 8080,
	}

	clientset := fake.NewSimpleClientset(readyPod("pod-a", "default", map[string]string{"app": "svc"}, 8080))
	req := resolver.Request{Selector: cfg.Selector, Namespace: cfg.Namespace, Port: "8080"}

	target, err := r.Resolve(context.Background(), clientset, req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if target.PodName != "pod-a" {
		t.Fatalf("expected pod-a, got %s", target.PodName)
	}

	sup := New(Options{Resolver: r})
	sup.Reconcile([]model.Configuration{cfg})

	// After Reconcile the cache entry is gone, so a new clientset result
	// (simulating the pod having been rescheduled) is what the next
	// Resolve call observes.
	newClientset := fake.NewSimpleClientset(readyPod("pod-b", "default", map[string]string{"app": "svc"}, 8080))
	target, err = r.Resolve(context.Background(), newClientset, req)
	if err != nil {
		t.Fatalf("Resolve after reconcile: %v", err)
	}
	if target.PodName != "pod-b" {
		t.Fatalf("expected reconcile to force re-resolution to pod-b, got %s", target.PodName)
	}
}

func TestHandlesReportsRunningConfigIDs(t *testing.T) {
	sup := New(Options{})
	_, cancel1 := context.WithCancel(context.Background())
	_, cancel2 := context.WithCancel(context.Background())
	sup.handles[model.NewProcessHandleKey(1, "a")] = &handle{configID: 1, cancel: cancel1, runner: newFakeRunner()}
	sup.handles[model.NewProcessHandleKey(2, "b")] = &handle{configID: 2, cancel: cancel2, runner: newFakeRunner()}

	ids := sup.Handles()
	if len(ids) != 2 {
		t.Fatalf("expected 2 handles, got %d", len(ids))
	}
}
