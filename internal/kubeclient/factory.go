// Package kubeclient builds authenticated Kubernetes clients from a merged
// kubeconfig across many contexts (spec.md §4.1, C1). Grounded on
// pkg/kubernetes/configuration.go's clientcmd merge/view and
// pkg/kubernetes/connectivity.go's rest.Config + clientset + SPDY wiring.
package kubeclient

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
	"k8s.io/klog/v2"

	"github.com/hcavarsan/kftray/internal/model"
)

// Strategy is one of the five transport strategies tried in order,
// spec.md §4.1.
type Strategy int

const (
	StrategyTLSVerify Strategy = iota
	StrategyTLSNoVerify
	StrategyTLSInvalidCertsVerify
	StrategyTLSInvalidCertsNoVerify
	StrategyPlaintext
)

func (s Strategy) String() string {
	switch s {
	case StrategyTLSVerify:
		return "tls-verify"
	case StrategyTLSNoVerify:
		return "tls-no-verify"
	case StrategyTLSInvalidCertsVerify:
		return "tls-invalid-certs-verify"
	case StrategyTLSInvalidCertsNoVerify:
		return "tls-invalid-certs-no-verify"
	case StrategyPlaintext:
		return "plaintext"
	default:
		return "unknown"
	}
}

var strategyOrder = []Strategy{
	StrategyTLSVerify,
	StrategyTLSNoVerify,
	StrategyTLSInvalidCertsVerify,
	StrategyTLSInvalidCertsNoVerify,
	StrategyPlaintext,
}

// Client is a cached, reusable Kubernetes client bundle for one context.
type Client struct {
	Config    *rest.Config
	Clientset *kubernetes.Clientset
	Context   string
	Strategy  Strategy
}

type cacheKey struct {
	context        string
	kubeconfigHash uint64
	bucket         int
}

// Factory builds and caches clients keyed by (context, kubeconfig-set hash,
// config-id bucket), as required by spec.md §4.1. Concurrent Get calls for
// the same key collapse into a single build via inflight, so starting many
// configurations that share a context does not probe the transport strategy
// sequence once per configuration.
type Factory struct {
	mu    sync.Mutex
	cache map[cacheKey]*Client

	inflight singleflight.Group
}

// NewFactory constructs an empty client factory.
func NewFactory() *Factory {
	return &Factory{cache: make(map[cacheKey]*Client)}
}

// Get returns a cached client for (kubeconfigPaths, contextName, bucket) or
// builds one, probing transport strategies in order until one succeeds.
func (f *Factory) Get(ctx context.Context, kubeconfigPaths, contextName string, bucket int) (*Client, error) {
	hash := hashKubeconfigSet(kubeconfigPaths)
	key := cacheKey{context: contextName, kubeconfigHash: hash, bucket: bucket}

	f.mu.Lock()
	if c, ok := f.cache[key]; ok {
		f.mu.Unlock()
		return c, nil
	}
	f.mu.Unlock()

	sfKey := fmt.Sprintf("%s|%d|%d", contextName, hash, bucket)
	v, err, _ := f.inflight.Do(sfKey, func() (interface{}, error) {
		return f.build(ctx, kubeconfigPaths, contextName)
	})
	if err != nil {
		return nil, err
	}
	c := v.(*Client)

	f.mu.Lock()
	f.cache[key] = c
	f.mu.Unlock()

	return c, nil
}

// Invalidate drops every cached client for the given context; called on auth
// failure or configuration mutation (spec.md §4.1).
func (f *Factory) Invalidate(contextName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.cache {
		if k.context == contextName {
			delete(f.cache, k)
		}
	}
}

// InvalidateAll drops every cached client, forcing the next Get for any
// context to rebuild from the on-disk kubeconfig set. Used by WatchConfig
// when a watched kubeconfig file changes underneath a running daemon.
func (f *Factory) InvalidateAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache = make(map[cacheKey]*Client)
}

func (f *Factory) build(ctx context.Context, kubeconfigPaths, contextName string) (*Client, error) {
	sanitizePythonEnv()

	merged, err := mergeKubeconfigs(kubeconfigPaths)
	if err != nil {
		return nil, err
	}

	if _, ok := merged.Contexts[contextName]; contextName != "" && !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContext, contextName)
	}

	var diagnostics []string
	for _, strat := range strategyOrder {
		restCfg, err := restConfigForStrategy(merged, contextName, strat)
		if err != nil {
			diagnostics = append(diagnostics, fmt.Sprintf("%s: %v", strat, err))
			continue
		}

		reencodePKCS8ToPKCS1(restCfg)

		clientset, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			diagnostics = append(diagnostics, fmt.Sprintf("%s: new client: %v", strat, err))
			continue
		}

		if _, err := clientset.Discovery().ServerVersion(); err != nil {
			diagnostics = append(diagnostics, fmt.Sprintf("%s: probe: %v", strat, err))
			continue
		}

		klog.V(2).Infof("kubeclient: context %q authenticated via strategy %s", contextName, strat)
		return &Client{Config: restCfg, Clientset: clientset, Context: contextName, Strategy: strat}, nil
	}

	return nil, &model.AuthError{Context: contextName, Diagnostics: strings.Join(diagnostics, "; ")}
}

func restConfigForStrategy(cfg *clientcmdapi.Config, contextName string, strat Strategy) (*rest.Config, error) {
	overrides := &clientcmd.ConfigOverrides{}
	if contextName != "" {
		overrides.CurrentContext = contextName
	}

	clientCfg := clientcmd.NewDefaultClientConfig(*cfg, overrides)
	restCfg, err := clientCfg.ClientConfig()
	if err != nil {
		return nil, err
	}

	switch strat {
	case StrategyTLSVerify:
		// as configured
	case StrategyTLSNoVerify:
		restCfg.Insecure = true
		restCfg.CAData = nil
		restCfg.CAFile = ""
	case StrategyTLSInvalidCertsVerify:
		restCfg.Insecure = false
		restCfg.TLSClientConfig.Insecure = false
		restCfg.TLSClientConfig.VerifyPeerCertificate = acceptAnyPeerCertificate
	case StrategyTLSInvalidCertsNoVerify:
		restCfg.Insecure = true
		restCfg.CAData = nil
		restCfg.CAFile = ""
		restCfg.TLSClientConfig.VerifyPeerCertificate = acceptAnyPeerCertificate
	case StrategyPlaintext:
		restCfg.Insecure = false
		restCfg.CAData = nil
		restCfg.CAFile = ""
		restCfg.CertData = nil
		restCfg.CertFile = ""
		restCfg.KeyData = nil
		restCfg.KeyFile = ""
		restCfg.Host = toPlaintextHost(restCfg.Host)
	}

	return restCfg, nil
}

// acceptAnyPeerCertificate implements "TLS accepting invalid certs with
// verification": the handshake still runs but certificate validity is never
// enforced. Used only as a fallback strategy, spec.md §4.1.
func acceptAnyPeerCertificate(_ [][]byte, _ [][]*x509.Certificate) error {
	return nil
}

func toPlaintextHost(host string) string {
	if strings.HasPrefix(host, "https://") {
		return "http://" + strings.TrimPrefix(host, "https://")
	}
	return host
}

// mergeKubeconfigs reads every colon-separated path, parsing each as a
// kubeconfig and merging in order with earlier entries winning on conflict
// (spec.md §4.1).
func mergeKubeconfigs(pathSet string) (*clientcmdapi.Config, error) {
	paths := splitKubeconfigPaths(pathSet)
	if len(paths) == 0 {
		return nil, ErrNoKubeconfig
	}

	merged := clientcmdapi.NewConfig()
	found := false

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			klog.V(3).Infof("kubeclient: skipping unreadable kubeconfig %s: %v", p, err)
			continue
		}
		cfg, err := clientcmd.Load(data)
		if err != nil {
			klog.V(3).Infof("kubeclient: skipping invalid kubeconfig %s: %v", p, err)
			continue
		}
		found = true
		mergeInto(merged, cfg)
	}

	if !found {
		return nil, ErrNoKubeconfig
	}
	return merged, nil
}

// mergeInto copies every entry from src into dst, preserving dst's existing
// entries on key conflict (earlier paths win).
func mergeInto(dst, src *clientcmdapi.Config) {
	for k, v := range src.Clusters {
		if _, exists := dst.Clusters[k]; !exists {
			dst.Clusters[k] = v
		}
	}
	for k, v := range src.AuthInfos {
		if _, exists := dst.AuthInfos[k]; !exists {
			dst.AuthInfos[k] = v
		}
	}
	for k, v := range src.Contexts {
		if _, exists := dst.Contexts[k]; !exists {
			dst.Contexts[k] = v
		}
	}
	if dst.CurrentContext == "" {
		dst.CurrentContext = src.CurrentContext
	}
}

func splitKubeconfigPaths(pathSet string) []string {
	if pathSet == "" {
		if env := os.Getenv("KUBECONFIG"); env != "" {
			pathSet = env
		} else if home, err := os.UserHomeDir(); err == nil {
			pathSet = home + "/.kube/config"
		}
	}

	var out []string
	for _, p := range strings.Split(pathSet, ":") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// sanitizePythonEnv unsets PYTHONHOME/PYTHONPATH before merging kubeconfigs,
// avoiding host contamination of any exec-plugin credential helper
// (spec.md §4.1).
func sanitizePythonEnv() {
	os.Unsetenv("PYTHONHOME")
	os.Unsetenv("PYTHONPATH")
}

// reencodePKCS8ToPKCS1 transparently re-encodes PKCS#8 PEM client-key
// material to PKCS#1 when the chosen TLS backend requires it (spec.md §4.1).
func reencodePKCS8ToPKCS1(cfg *rest.Config) {
	if len(cfg.KeyData) == 0 {
		return
	}
	reencoded, ok := pkcs8PEMToPKCS1(cfg.KeyData)
	if ok {
		cfg.KeyData = reencoded
	}
}
