package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// KeyPrefix is the root of every advertised key:
//
//	/callrpc/{TargetName}/{Addr} → JSON ServiceInstance
const KeyPrefix = "/callrpc/"

// EtcdRegistry implements Registry on etcd v3 with TTL leases, so a crashed
// server's entries expire on their own.
type EtcdRegistry struct {
	client *clientv3.Client
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return &EtcdRegistry{client: c}, nil
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

func instanceKey(targetName, addr string) string {
	return KeyPrefix + targetName + "/" + addr
}

// Register puts the instance under a lease and keeps the lease alive until ctx
// is done or the instance is deregistered.
//
// leaseID stays local: one EtcdRegistry may be shared by several servers.
func (r *EtcdRegistry) Register(ctx context.Context, targetName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrapf(err, "grant lease for %s", targetName)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, instanceKey(targetName, instance.Addr), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return errors.Wrapf(err, "put %s", targetName)
	}

	// KeepAlive outlives the registration call, so it must not inherit a request-scoped ctx deadline.
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return errors.Wrapf(err, "keep lease alive for %s", targetName)
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes an instance; called on graceful shutdown before the listener closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, targetName string, addr string) error {
	_, err := r.client.Delete(ctx, instanceKey(targetName, addr))
	return errors.Wrapf(err, "delete %s", targetName)
}

// Watch emits the full instance list of targetName on every change under its prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, targetName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := KeyPrefix + targetName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, targetName)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns every instance currently advertised for targetName.
func (r *EtcdRegistry) Discover(ctx context.Context, targetName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, KeyPrefix+targetName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", targetName)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}
