package kubeclient

import (
	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"
)

// ConfigWatcher invalidates a Factory's cache whenever one of the kubeconfig
// files it was built from changes on disk, so a context whose credentials or
// server address were just rotated is re-authenticated on the next Get
// instead of serving a stale cached client.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
}

// WatchConfig starts watching every path in kubeconfigPaths (the same
// colon-separated set Factory.Get accepts) and invalidates factory's entire
// cache on any write, create, remove, or rename event. Paths that don't
// exist yet or can't be watched are skipped; the caller decides whether that
// is fatal.
func WatchConfig(factory *Factory, kubeconfigPaths string) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watched := 0
	for _, p := range splitKubeconfigPaths(kubeconfigPaths) {
		if err := w.Add(p); err != nil {
			klog.V(3).Infof("kubeclient: not watching %s: %v", p, err)
			continue
		}
		watched++
	}

	cw := &ConfigWatcher{watcher: w}
	go cw.loop(factory)

	if watched == 0 {
		klog.V(2).Infof("kubeclient: no kubeconfig paths could be watched for %q", kubeconfigPaths)
	}
	return cw, nil
}

func (cw *ConfigWatcher) loop(factory *Factory) {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				klog.V(2).Infof("kubeclient: kubeconfig %s changed (%s), invalidating cached clients", event.Name, event.Op)
				factory.InvalidateAll()
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			klog.Warningf("kubeclient: watch error: %v", err)
		}
	}
}

// Close stops the watcher.
func (cw *ConfigWatcher) Close() error {
	return cw.watcher.Close()
}
