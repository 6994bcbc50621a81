// Package resolver maps a logical target (service/pod-label/named pod) to a
// concrete (pod, port), caching the result for a TTL (spec.md §4.2, C2).
// Grounded on pkg/kubernetes/connectivity.go's pod readiness
// polling and corev1 list calls, plus pkg/kubernetes/pods.go's
// selector-driven listing.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/hcavarsan/kftray/internal/model"
)

// DefaultTTL is the cache TTL for resolved targets, spec.md §4.2.
const DefaultTTL = 30 * time.Second

// Request describes one resolution ask.
type Request struct {
	Selector  model.Selector
	Namespace string
	Port      string // numeric or named, as configured
}

func (r Request) cacheKey() string {
	return fmt.Sprintf("%s|%s|%s|%d|%s|%s",
		r.Namespace, r.Selector.Kind, r.Selector.ServiceName,
		r.Selector.ProxyPodConfigID, r.Selector.LabelSelector, r.Port)
}

// Sentinel errors, spec.md §4.2.
var (
	ErrNoReadyPod  = errors.New("no ready pod found")
	ErrPortNotFound = errors.New("port not found")
)

type cacheEntry struct {
	target    model.Target
	expiresAt time.Time
}

// Resolver resolves selectors to targets with a TTL cache keyed by the
// selector triple. Concurrent misses (or expiries) for the same key are
// collapsed into a single live lookup via inflight, so a config with many
// simultaneous connections doesn't fan out one Pods().List per connection
// every time the TTL lapses.
type Resolver struct {
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]*cacheEntry

	inflight singleflight.Group
}

// New constructs a Resolver with the default TTL.
func New() *Resolver {
	return &Resolver{ttl: DefaultTTL, cache: make(map[string]*cacheEntry)}
}

// NewWithTTL constructs a Resolver with a custom TTL (used by tests).
func NewWithTTL(ttl time.Duration) *Resolver {
	return &Resolver{ttl: ttl, cache: make(map[string]*cacheEntry)}
}

// Resolve returns a cached target if fresh, otherwise resolves against the
// cluster via clientset and caches the result.
func (r *Resolver) Resolve(ctx context.Context, clientset kubernetes.Interface, req Request) (model.Target, error) {
	key := req.cacheKey()

	r.mu.Lock()
	if e, ok := r.cache[key]; ok && time.Now().Before(e.expiresAt) {
		t := e.target
		r.mu.Unlock()
		return t, nil
	}
	r.mu.Unlock()

	v, err, _ := r.inflight.Do(key, func() (interface{}, error) {
		return r.resolveLive(ctx, clientset, req)
	})
	if err != nil {
		return model.Target{}, err
	}
	target := v.(model.Target)

	r.mu.Lock()
	r.cache[key] = &cacheEntry{target: target, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return target, nil
}

// Invalidate drops a cache entry, forcing the next Resolve to refresh
// (called on stream error or pod-missing signal, spec.md §3).
func (r *Resolver) Invalidate(req Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, req.cacheKey())
}

func (r *Resolver) resolveLive(ctx context.Context, clientset kubernetes.Interface, req Request) (model.Target, error) {
	namespace := namespaceOrDefault(req.Namespace)

	switch req.Selector.Kind {
	case model.SelectorService:
		return r.resolveService(ctx, clientset, namespace, req.Selector.ServiceName, req.Port)
	case model.SelectorPodLabel:
		pod, err := r.resolveLabelSelector(ctx, clientset, namespace, req.Selector.LabelSelector)
		if err != nil {
			return model.Target{}, err
		}
		port, err := resolvePodPort(pod, req.Port)
		if err != nil {
			return model.Target{}, err
		}
		return targetFor(pod, port, namespace), nil
	case model.SelectorProxyPod:
		sel := fmt.Sprintf("app=kftray-server,config_id=%d", req.Selector.ProxyPodConfigID)
		pod, err := r.resolveLabelSelector(ctx, clientset, namespace, sel)
		if err != nil {
			return model.Target{}, err
		}
		port, err := resolvePodPort(pod, req.Port)
		if err != nil {
			return model.Target{}, err
		}
		return targetFor(pod, port, namespace), nil
	default:
		return model.Target{}, fmt.Errorf("unknown selector kind %q", req.Selector.Kind)
	}
}

func (r *Resolver) resolveService(ctx context.Context, clientset kubernetes.Interface, namespace, serviceName, requestedPort string) (model.Target, error) {
	svc, err := clientset.CoreV1().Services(namespace).Get(ctx, serviceName, metav1.GetOptions{})
	if err != nil {
		return model.Target{}, fmt.Errorf("get service %s/%s: %w", namespace, serviceName, err)
	}

	svcPort, err := pickServicePort(svc, requestedPort)
	if err != nil {
		return model.Target{}, err
	}

	selector := labels.SelectorFromValidatedSet(svc.Spec.Selector).String()
	pod, err := r.resolveLabelSelector(ctx, clientset, namespace, selector)
	if err != nil {
		return model.Target{}, err
	}

	port, err := resolveTargetPort(pod, svcPort)
	if err != nil {
		return model.Target{}, err
	}

	return targetFor(pod, port, namespace), nil
}

// pickServicePort chooses the ServicePort whose name or numeric value
// matches requestedPort (spec.md §4.2).
func pickServicePort(svc *corev1.Service, requestedPort string) (corev1.ServicePort, error) {
	if requestedPort == "" && len(svc.Spec.Ports) > 0 {
		return svc.Spec.Ports[0], nil
	}
	if n, err := strconv.Atoi(requestedPort); err == nil {
		for _, p := range svc.Spec.Ports {
			if int(p.Port) == n {
				return p, nil
			}
		}
	}
	for _, p := range svc.Spec.Ports {
		if p.Name == requestedPort {
			return p, nil
		}
	}
	return corev1.ServicePort{}, fmt.Errorf("%w: %s on service %s", ErrPortNotFound, requestedPort, svc.Name)
}

// resolveTargetPort resolves svcPort.TargetPort against the pod's container
// ports when it is a named string (spec.md §4.2).
func resolveTargetPort(pod *corev1.Pod, svcPort corev1.ServicePort) (int, error) {
	if svcPort.TargetPort.Type == intstr.Int {
		if svcPort.TargetPort.IntValue() != 0 {
			return svcPort.TargetPort.IntValue(), nil
		}
		return int(svcPort.Port), nil
	}

	name := svcPort.TargetPort.StrVal
	for _, c := range pod.Spec.Containers {
		for _, p := range c.Ports {
			if p.Name == name {
				return int(p.ContainerPort), nil
			}
		}
	}
	return 0, fmt.Errorf("%w: named port %s", ErrPortNotFound, name)
}

func resolvePodPort(pod *corev1.Pod, requestedPort string) (int, error) {
	if n, err := strconv.Atoi(requestedPort); err == nil {
		return n, nil
	}
	for _, c := range pod.Spec.Containers {
		for _, p := range c.Ports {
			if p.Name == requestedPort {
				return int(p.ContainerPort), nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrPortNotFound, requestedPort)
}

// resolveLabelSelector lists pods matching selector and picks the
// oldest-ready, tie-broken by name (spec.md §4.2).
func (r *Resolver) resolveLabelSelector(ctx context.Context, clientset kubernetes.Interface, namespace, selector string) (*corev1.Pod, error) {
	list, err := clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("list pods %s: %w", selector, err)
	}

	ready := make([]corev1.Pod, 0, len(list.Items))
	for _, p := range list.Items {
		if isPodReady(&p) {
			ready = append(ready, p)
		}
	}
	if len(ready) == 0 {
		return nil, fmt.Errorf("%w: selector %s in %s", ErrNoReadyPod, selector, namespace)
	}

	sort.Slice(ready, func(i, j int) bool {
		ti, tj := ready[i].CreationTimestamp, ready[j].CreationTimestamp
		if ti.Equal(&tj) {
			return ready[i].Name < ready[j].Name
		}
		return ti.Before(&tj)
	})

	pod := ready[0]
	klog.V(3).Infof("resolver: selected pod %s/%s for selector %q", namespace, pod.Name, selector)
	return &pod, nil
}

func isPodReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

func targetFor(pod *corev1.Pod, port int, namespace string) model.Target {
	return model.Target{
		PodName:    pod.Name,
		PodPort:    port,
		Namespace:  namespace,
		ResolvedAt: time.Now(),
	}
}

func namespaceOrDefault(namespace string) string {
	if namespace == "" {
		return "default"
	}
	return namespace
}
