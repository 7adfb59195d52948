package pool

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/openzfs/zfs-object-agent/internal/zerr"
)

// fakeClient is an in-memory stand-in for objclient.Client, shared across
// this package's tests.
type fakeClient struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: map[string][]byte{}}
}

func (c *fakeClient) Put(_ context.Context, key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.objects[key] = cp
	return nil
}

func (c *fakeClient) Get(ctx context.Context, key string) ([]byte, error) {
	return c.GetUncached(ctx, key)
}

func (c *fakeClient) GetUncached(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.objects[key]
	if !ok {
		return nil, zerr.Wrap(zerr.ErrNotFound, "fake client: "+key)
	}
	return data, nil
}

func (c *fakeClient) Head(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.objects[key]
	if !ok {
		return 0, zerr.Wrap(zerr.ErrNotFound, "fake client: "+key)
	}
	return int64(len(data)), nil
}

func (c *fakeClient) ListObjects(_ context.Context, prefix, startAfter string, _ bool) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for k := range c.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if startAfter != "" && k <= startAfter {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (c *fakeClient) DeleteObjects(_ context.Context, keys <-chan string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range keys {
		delete(c.objects, k)
	}
	return nil
}
