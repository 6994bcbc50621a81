package kubeclient

import "errors"

// Sentinel errors from spec.md §4.1.
var (
	ErrNoKubeconfig   = errors.New("no readable kubeconfig files")
	ErrUnknownContext = errors.New("unknown context")
)
