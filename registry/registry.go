// Package registry advertises the targets a server serves so that external
// discovery can find it. The server only writes here; it never reads its own
// targets back from the registry.
package registry

import "context"

// ServiceInstance describes one server serving a target.
type ServiceInstance struct {
	Addr    string
	Weight  int
	Version string
}

type Registry interface {
	Register(ctx context.Context, targetName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, targetName string, addr string) error
	Discover(ctx context.Context, targetName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, targetName string) <-chan []ServiceInstance
}
