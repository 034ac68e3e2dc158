package coordinator

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"docshard/pkg/dcerrors"
)

const defaultZKRoot = "/docshard"

// Zookeeper implements Coordinator over a ZooKeeper ensemble. Ownership
// records are TTL znodes under <root>/locks; release requests are short-lived
// sequential znodes under <root>/requests observed through child watches.
type Zookeeper struct {
	conn *zk.Conn
	root string

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewZookeeper(cfg ZookeeperConfig) (*Zookeeper, error) {
	conn, events, err := zk.Connect(cfg.Servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}

	root := cfg.Root
	if root == "" {
		root = defaultZKRoot
	}

	z := &Zookeeper{conn: conn, root: root, seen: make(map[string]struct{})}
	if err := awaitSession(events, 10*time.Second); err != nil {
		conn.Close()
		return nil, err
	}
	for _, p := range []string{root + "/locks", root + "/requests"} {
		if err := z.ensurePath(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ensure path %s: %w", p, err)
		}
	}
	return z, nil
}

// awaitSession consumes the connection's event stream until ZooKeeper grants
// a session or the timeout passes.
func awaitSession(events <-chan zk.Event, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("zk: connection closed before a session was established")
			}
			if ev.Type == zk.EventSession && ev.State == zk.StateHasSession {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("zk: no session within %s", timeout)
		}
	}
}

func (z *Zookeeper) Lock(ctx context.Context, key, owner string, ttl time.Duration) (bool, string, error) {
	path := z.lockPath(key)
	_, err := z.conn.CreateTTL(path, []byte(owner), zk.FlagTTL, zk.WorldACL(zk.PermAll), ttl)
	if err == nil {
		return true, "", nil
	}
	if err != zk.ErrNodeExists {
		return false, "", fmt.Errorf("zk lock %s: %w", key, err)
	}

	data, _, gerr := z.conn.Get(path)
	if gerr == zk.ErrNoNode {
		// Holder vanished under us; the caller retries.
		return false, "", nil
	}
	if gerr != nil {
		return false, "", fmt.Errorf("zk lock holder %s: %w", key, gerr)
	}
	if string(data) == owner {
		return true, "", z.Renew(ctx, key, owner, ttl)
	}
	return false, string(data), nil
}

func (z *Zookeeper) Unlock(ctx context.Context, key, owner string) error {
	path := z.lockPath(key)
	data, stat, err := z.conn.Get(path)
	if err == zk.ErrNoNode {
		return dcerrors.ErrNotHolder
	}
	if err != nil {
		return fmt.Errorf("zk unlock %s: %w", key, err)
	}
	if string(data) != owner {
		return dcerrors.ErrNotHolder
	}
	switch err := z.conn.Delete(path, stat.Version); err {
	case nil:
		return nil
	case zk.ErrNoNode, zk.ErrBadVersion:
		return dcerrors.ErrNotHolder
	default:
		return fmt.Errorf("zk unlock %s: %w", key, err)
	}
}

func (z *Zookeeper) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	path := z.lockPath(key)
	data, stat, err := z.conn.Get(path)
	if err == zk.ErrNoNode {
		return dcerrors.ErrNotHolder
	}
	if err != nil {
		return fmt.Errorf("zk renew %s: %w", key, err)
	}
	if string(data) != owner {
		return dcerrors.ErrNotHolder
	}
	// Setting the data refreshes the TTL node's expiry.
	switch _, err := z.conn.Set(path, data, stat.Version); err {
	case nil:
		return nil
	case zk.ErrNoNode, zk.ErrBadVersion:
		return dcerrors.ErrNotHolder
	default:
		return fmt.Errorf("zk renew %s: %w", key, err)
	}
}

func (z *Zookeeper) ForceUnlock(ctx context.Context, key string) error {
	err := z.conn.Delete(z.lockPath(key), -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("zk force unlock %s: %w", key, err)
	}
	return nil
}

func (z *Zookeeper) RequestRelease(ctx context.Context, key string) error {
	// Sequential TTL node: every subscriber sees it via the child watch, and
	// ZooKeeper reaps it once the TTL passes, so nobody has to delete it.
	_, err := z.conn.CreateTTL(z.root+"/requests/req-", []byte(key),
		zk.FlagTTL|zk.FlagSequence, zk.WorldACL(zk.PermAll), 10*time.Second)
	if err != nil {
		return fmt.Errorf("zk request release %s: %w", key, err)
	}
	return nil
}

func (z *Zookeeper) Subscribe(ctx context.Context, handler func(key string)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		for {
			children, _, ch, err := z.conn.ChildrenW(z.root + "/requests")
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(2 * time.Second):
					continue
				}
			}

			z.dispatch(children, handler)

			select {
			case <-ch:
			case <-ctx.Done():
				return
			}
		}
	}()

	return cancel, nil
}

// dispatch fires the handler for request nodes not seen before and prunes
// tracking state for nodes ZooKeeper already reaped.
func (z *Zookeeper) dispatch(children []string, handler func(string)) {
	z.mu.Lock()
	live := make(map[string]struct{}, len(children))
	var fresh []string
	for _, c := range children {
		live[c] = struct{}{}
		if _, ok := z.seen[c]; !ok {
			z.seen[c] = struct{}{}
			fresh = append(fresh, c)
		}
	}
	for c := range z.seen {
		if _, ok := live[c]; !ok {
			delete(z.seen, c)
		}
	}
	z.mu.Unlock()

	for _, c := range fresh {
		data, _, err := z.conn.Get(z.root + "/requests/" + c)
		if err != nil {
			continue
		}
		handler(string(data))
	}
}

func (z *Zookeeper) Close() error {
	z.conn.Close()
	return nil
}

func (z *Zookeeper) lockPath(key string) string {
	// Keys may contain '/', which znode names must not.
	return z.root + "/locks/" + url.PathEscape(key)
}

// ensurePath creates every missing component of an absolute path, mkdir -p
// style. Create on an existing node is not an error here, so no Exists
// round-trip is needed.
func (z *Zookeeper) ensurePath(path string) error {
	for i := 1; i <= len(path); i++ {
		if i < len(path) && path[i] != '/' {
			continue
		}
		_, err := z.conn.Create(path[:i], nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("create %s: %w", path[:i], err)
		}
	}
	return nil
}
