// Package ctrl provides the control-plane key/value client used for
// communicator rendezvous: the rank that creates a clique publishes its
// unique id under a well-known key, and the other ranks block until the key
// appears.
//
// The package ships an in-process implementation (NewLocalClient) good for
// single-process deployments and tests. Multi-machine deployments plug in a
// Client backed by their control-plane RPC service.
package ctrl

import (
	"github.com/gomlx/deepflow/types/xsync"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Client is a write-once key/value store shared by all machines of a job.
type Client interface {
	// PushKV publishes value under key. Publishing the same key twice is an
	// error and panics.
	PushKV(key, value string)

	// PullKV blocks until key has been published and then calls cb with its
	// value. cb runs on the caller's goroutine before PullKV returns.
	PullKV(key string, cb func(value string))
}

// LocalClient is an in-process Client. Every key holds a latch, so pulls
// that arrive before the push block until the push happens.
type LocalClient struct {
	kv xsync.SyncMap[string, *xsync.LatchWithValue[string]]
}

// Compile-time check.
var _ Client = (*LocalClient)(nil)

// NewLocalClient returns an empty in-process key/value store.
func NewLocalClient() *LocalClient {
	return &LocalClient{}
}

func (c *LocalClient) entry(key string) *xsync.LatchWithValue[string] {
	latch, _ := c.kv.LoadOrStore(key, xsync.NewLatchWithValue[string]())
	return latch
}

// PushKV implements Client.
func (c *LocalClient) PushKV(key, value string) {
	latch := c.entry(key)
	if latch.Test() {
		exceptions.Panicf("ctrl.LocalClient.PushKV: key %q already published", key)
	}
	latch.Trigger(value)
	klog.V(2).Infof("ctrl: published key %q", key)
}

// PullKV implements Client.
func (c *LocalClient) PullKV(key string, cb func(value string)) {
	cb(c.entry(key).Wait())
}

var defaultClient Client = NewLocalClient()

// SetDefault replaces the process-global Client used when none is given
// explicitly. It returns the previous one.
func SetDefault(c Client) Client {
	prev := defaultClient
	defaultClient = c
	return prev
}

// Default returns the process-global Client.
func Default() Client {
	return defaultClient
}
