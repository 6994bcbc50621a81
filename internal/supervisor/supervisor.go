// Package supervisor orchestrates start/stop of forwards per configuration:
// it owns the per-configuration cancellation tokens, wires every other
// component together for one configuration's lifetime, and reconciles state
// on network-status changes (spec.md §4.9, C9). Grounded on
// cmd/root.go's server lifecycle (context.WithCancel wired through to every
// subsystem, a process table keyed by a stable string, parallel teardown on
// shutdown), generalized from a single MCP server process into a table of
// independently cancellable forwards.
package supervisor

import (
	"context"
	"fmt"
	"os/user"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	"github.com/hcavarsan/kftray/internal/broker"
	"github.com/hcavarsan/kftray/internal/hostadapter"
	"github.com/hcavarsan/kftray/internal/kubeclient"
	"github.com/hcavarsan/kftray/internal/metrics"
	"github.com/hcavarsan/kftray/internal/model"
	"github.com/hcavarsan/kftray/internal/resolver"
	"github.com/hcavarsan/kftray/internal/store"
	"github.com/hcavarsan/kftray/internal/tcpforward"
	"github.com/hcavarsan/kftray/internal/tlsterm"
	"github.com/hcavarsan/kftray/internal/udpforward"
)

// HostsPath is the system hosts file path patched by Host Adapter entries.
// Overridable in tests.
var HostsPath = "/etc/hosts"

// tcpRunner and udpRunner capture the subset of *tcpforward.Forwarder and
// *udpforward.Forwarder the supervisor depends on, so a single handle type
// can hold either.
type tcpRunner interface {
	Run() error
	Stop()
	BoundPort() int
}

// handle is the process-table entry for one running configuration, keyed by
// model.NewProcessHandleKey (spec.md §4.9: "register a handle keyed
// config:{id}:service:{svc}").
type handle struct {
	configID  int64
	context   string
	namespace string
	cancel    context.CancelFunc
	runner    tcpRunner
	loopback  string
	hostsID   int64
	alias     string
	boundPort int
}

// Observer is the subset of httplog.Observer the supervisor wires into TCP
// forwarders; kept as an interface so tests can stub it out.
type Observer = tcpforward.Observer

// Options configures a Supervisor's shared dependencies. Every field is
// constructed once at daemon startup and shared across every configuration.
type Options struct {
	Factory     *kubeclient.Factory
	Resolver    *resolver.Resolver
	Broker      *broker.Broker
	Store       *store.Store
	HostAdapter *hostadapter.Adapter
	TLS         *tlsterm.Terminator
	Observer    Observer
}

// Supervisor is the top-level orchestrator: C9 in spec.md's component table.
type Supervisor struct {
	opts Options

	mu      sync.Mutex
	handles map[model.ProcessHandleKey]*handle
}

// New constructs a Supervisor over the shared dependencies in opts.
func New(opts Options) *Supervisor {
	return &Supervisor{
		opts:    opts,
		handles: make(map[model.ProcessHandleKey]*handle),
	}
}

// StartResult is one configuration's outcome from StartMany.
type StartResult struct {
	ConfigID  int64
	BoundPort int
	Err       error
}

// StartMany starts every configuration in configs independently: a failure
// in one does not cancel the others, and every outcome is reported back
// (spec.md §4.9). A plain errgroup.Group (not WithContext) gives exactly
// that semantic: Go returning an error never cancels a shared context, it
// only makes Wait return non-nil once every goroutine has finished.
// Per-configuration failures are also collected into an aggregated error so
// a caller who only wants a single pass/fail signal doesn't have to scan
// results itself.
func (s *Supervisor) StartMany(ctx context.Context, configs []model.Configuration) ([]StartResult, error) {
	results := make([]StartResult, len(configs))

	var eg errgroup.Group
	for i, cfg := range configs {
		i, cfg := i, cfg
		eg.Go(func() error {
			port, err := s.startOne(ctx, cfg)
			results[i] = StartResult{ConfigID: cfg.ID, BoundPort: port, Err: err}
			return err
		})
	}
	_ = eg.Wait()

	var aggregated *multierror.Error
	for _, r := range results {
		if r.Err != nil {
			aggregated = multierror.Append(aggregated, fmt.Errorf("config %d: %w", r.ConfigID, r.Err))
		}
	}
	return results, aggregated.ErrorOrNil()
}

func (s *Supervisor) startOne(ctx context.Context, cfg model.Configuration) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	client, err := s.opts.Factory.Get(ctx, cfg.KubeconfigPaths, cfg.Context, int(cfg.ID%100))
	if err != nil {
		return 0, fmt.Errorf("supervisor: acquire client for %s: %w", cfg.Alias, err)
	}

	h := &handle{configID: cfg.ID, alias: cfg.Alias, context: cfg.Context, namespace: cfg.Namespace}

	if cfg.AutoAllocateLoopback && s.opts.HostAdapter != nil {
		addr, err := s.opts.HostAdapter.AllocateAddress(cfg.Alias)
		if err != nil {
			return 0, &model.HostAdapterError{Op: "allocate", Err: err}
		}
		if err := s.opts.HostAdapter.AddLoopback(addr); err != nil {
			s.opts.HostAdapter.ReleaseAddress(addr)
			return 0, &model.HostAdapterError{Op: "add_loopback", Err: err}
		}
		if cfg.DomainEnabled && cfg.Alias != "" {
			if err := hostadapter.UpsertHostsEntry(HostsPath, addr, cfg.Alias, cfg.ID); err != nil {
				klog.Warningf("supervisor: hosts entry for %s: %v", cfg.Alias, err)
			} else {
				h.hostsID = cfg.ID
			}
		}
		cfg.LocalAddress = addr
		h.loopback = addr
	}

	fctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	var boundPort int
	if cfg.Protocol == model.ProtocolUDP {
		fwd, err := udpforward.New(udpforward.Options{
			Config:     cfg,
			RestConfig: client.Config,
			Broker:     s.opts.Broker,
			Resolver:   s.opts.Resolver,
			Clientset:  client.Clientset,
		})
		if err != nil {
			cancel()
			s.releaseLoopback(h)
			return 0, err
		}
		boundPort = fwd.BoundPort()
		h.runner = &udpRunnerAdapter{fwd: fwd}
		go func() {
			if err := fwd.Run(); err != nil {
				klog.Warningf("supervisor: udp forward %s stopped: %v", cfg.Alias, err)
			}
		}()
	} else {
		fwd, err := tcpforward.New(tcpforward.Options{
			Config:     cfg,
			RestConfig: client.Config,
			Broker:     s.opts.Broker,
			Resolver:   s.opts.Resolver,
			Clientset:  client.Clientset,
			Observer:   s.opts.Observer,
			TLS:        tlsWrapperOrNil(s.opts.TLS, cfg),
		})
		if err != nil {
			cancel()
			s.releaseLoopback(h)
			return 0, err
		}
		boundPort = fwd.BoundPort()
		h.runner = fwd
		go func() {
			if err := fwd.Run(); err != nil {
				klog.Warningf("supervisor: tcp forward %s stopped: %v", cfg.Alias, err)
			}
		}()
	}
	h.boundPort = boundPort

	go func() {
		<-fctx.Done()
		h.runner.Stop()
	}()

	if s.opts.Store != nil {
		pid := boundPort
		if err := s.opts.Store.SetRunState(cfg.ID, true, &pid); err != nil {
			klog.Warningf("supervisor: set run state for %s: %v", cfg.Alias, err)
		}
	}

	key := model.NewProcessHandleKey(cfg.ID, cfg.Selector.ServiceName)
	s.mu.Lock()
	s.handles[key] = h
	metrics.ConfigurationsRunning.Set(float64(len(s.handles)))
	s.mu.Unlock()

	return boundPort, nil
}

// tlsWrapperOrNil returns t as a tcpforward.TLSWrapper only when the
// configuration opts into TLS termination.
func tlsWrapperOrNil(t *tlsterm.Terminator, cfg model.Configuration) tcpforward.TLSWrapper {
	if t == nil || !cfg.TLSEnabled {
		return nil
	}
	return t
}

// udpRunnerAdapter makes *udpforward.Forwarder satisfy tcpRunner (its Run
// already matches; only present for clarity at call sites).
type udpRunnerAdapter struct {
	fwd *udpforward.Forwarder
}

func (u *udpRunnerAdapter) Run() error     { return u.fwd.Run() }
func (u *udpRunnerAdapter) Stop()          { u.fwd.Stop() }
func (u *udpRunnerAdapter) BoundPort() int { return u.fwd.BoundPort() }

// StopOne cancels the handle for configID, releases its lease, removes its
// hosts entry, releases its loopback and clears its RunState (spec.md §4.9).
func (s *Supervisor) StopOne(configID int64, serviceName string) error {
	key := model.NewProcessHandleKey(configID, serviceName)

	s.mu.Lock()
	h, ok := s.handles[key]
	if ok {
		delete(s.handles, key)
		metrics.ConfigurationsRunning.Set(float64(len(s.handles)))
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("supervisor: no running handle for config %d", configID)
	}

	s.stopHandle(h)
	return nil
}

func (s *Supervisor) stopHandle(h *handle) {
	h.cancel()
	s.releaseLoopback(h)

	if s.opts.Store != nil {
		if err := s.opts.Store.SetRunState(h.configID, false, nil); err != nil {
			klog.Warningf("supervisor: clear run state for config %d: %v", h.configID, err)
		}
	}
}

func (s *Supervisor) releaseLoopback(h *handle) {
	if h.loopback == "" || s.opts.HostAdapter == nil {
		return
	}
	if h.hostsID != 0 && h.alias != "" {
		if err := hostadapter.RemoveHostsEntryByID(HostsPath, h.alias, h.hostsID); err != nil {
			klog.Warningf("supervisor: remove hosts entry for config %d: %v", h.configID, err)
		}
	}
	s.opts.HostAdapter.RemoveLoopback(h.loopback)
	s.opts.HostAdapter.ReleaseAddress(h.loopback)
}

// StopAll notifies every running handle in parallel, deletes any lingering
// proxy pods left behind by proxy-pod-kind selectors, then marks every
// RunState as not-running in one transaction (spec.md §4.9).
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.handles))
	for k, h := range s.handles {
		handles = append(handles, h)
		delete(s.handles, k)
	}
	metrics.ConfigurationsRunning.Set(0)
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(handles))
	for _, h := range handles {
		h := h
		go func() {
			defer wg.Done()
			h.cancel()
			s.releaseLoopback(h)
			s.deleteLingeringProxyPods(h)
		}()
	}
	wg.Wait()

	if s.opts.Store != nil {
		return s.opts.Store.ClearAllRunStates()
	}
	return nil
}

// deleteLingeringProxyPods removes any proxy pod left behind for h's
// configuration: labeled config_id=<id>, named with the kftray-forward-<user>
// prefix (spec.md §4.9).
func (s *Supervisor) deleteLingeringProxyPods(h *handle) {
	if s.opts.Factory == nil || h.namespace == "" {
		return
	}

	client, err := s.opts.Factory.Get(context.Background(), "", h.context, 0)
	if err != nil {
		klog.Warningf("supervisor: acquire client to clean up proxy pods for config %d: %v", h.configID, err)
		return
	}

	selector := fmt.Sprintf("config_id=%s", strconv.FormatInt(h.configID, 10))
	pods, err := client.Clientset.CoreV1().Pods(h.namespace).List(context.Background(), metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		klog.Warningf("supervisor: list proxy pods for config %d: %v", h.configID, err)
		return
	}

	prefix := proxyPodPrefix()
	for _, pod := range pods.Items {
		if !strings.HasPrefix(pod.Name, prefix) {
			continue
		}
		if err := client.Clientset.CoreV1().Pods(h.namespace).Delete(context.Background(), pod.Name, metav1.DeleteOptions{}); err != nil {
			klog.Warningf("supervisor: delete proxy pod %s for config %d: %v", pod.Name, h.configID, err)
		}
	}
}

func proxyPodPrefix() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "kftray-forward-"
	}
	return "kftray-forward-" + u.Username
}

// Reconcile invalidates the cached target resolution of every configuration
// in configs, so its next connection re-resolves the target (spec.md §4.9).
// It does not cancel in-flight streams: a stream stays in use until a failed
// read or write makes its forwarder poison it in the broker. Loopbacks and
// hosts entries are left untouched.
func (s *Supervisor) Reconcile(configs []model.Configuration) {
	for _, cfg := range configs {
		s.opts.Resolver.Invalidate(resolver.Request{
			Selector:  cfg.Selector,
			Namespace: cfg.Namespace,
			Port:      fmt.Sprintf("%d", cfg.RemotePort),
		})
	}
}

// Handles returns the configuration ids currently running. Intended for
// status reporting.
func (s *Supervisor) Handles() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.handles))
	for _, h := range s.handles {
		ids = append(ids, h.configID)
	}
	return ids
}
