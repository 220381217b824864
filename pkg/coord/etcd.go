package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// DefaultSessionTTL is how long ephemeral entries outlive a silent holder.
const DefaultSessionTTL = 10 * time.Second

// EtcdConfig configures an etcd-backed Store.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration

	// SessionTTL bounds how long a crashed holder's locks survive.
	SessionTTL time.Duration

	Logger *zap.Logger
}

// EtcdStore is a Store on etcd. Ephemeral entries are bound to the lease of
// one concurrency session, kept alive in the background until Close.
type EtcdStore struct {
	client     *clientv3.Client
	session    *concurrency.Session
	ownsClient bool
}

var _ Store = (*EtcdStore)(nil)

// NewEtcdStore dials etcd and opens a session.
func NewEtcdStore(ctx context.Context, cfg EtcdConfig) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd: at least one endpoint is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Context:     ctx,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	s, err := newEtcdStore(ctx, client, cfg.SessionTTL)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

// NewEtcdStoreFromClient opens a session on an existing client. Close does
// not close the client.
func NewEtcdStoreFromClient(ctx context.Context, client *clientv3.Client, ttl time.Duration) (*EtcdStore, error) {
	return newEtcdStore(ctx, client, ttl)
}

func newEtcdStore(ctx context.Context, client *clientv3.Client, ttl time.Duration) (*EtcdStore, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	session, err := concurrency.NewSession(client,
		concurrency.WithTTL(int(ttl.Seconds())),
		concurrency.WithContext(ctx))
	if err != nil {
		return nil, wrapEtcdError(err)
	}
	return &EtcdStore{client: client, session: session}, nil
}

func (s *EtcdStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return nil, false, wrapEtcdError(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (s *EtcdStore) Put(ctx context.Context, path string, value []byte) error {
	if _, err := s.client.Put(ctx, path, string(value)); err != nil {
		return wrapEtcdError(err)
	}
	return nil
}

func (s *EtcdStore) Delete(ctx context.Context, path string) error {
	if _, err := s.client.Delete(ctx, path); err != nil {
		return wrapEtcdError(err)
	}
	return nil
}

func (s *EtcdStore) Children(ctx context.Context, dir string) ([]string, error) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, wrapEtcdError(err)
	}
	return childNames(prefix, func(yield func(string)) {
		for _, kv := range resp.Kvs {
			yield(string(kv.Key))
		}
	}), nil
}

// CreateEphemeral puts path under the session lease if it has never been
// created, in one transaction.
func (s *EtcdStore) CreateEphemeral(ctx context.Context, path string, value []byte) (bool, error) {
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, string(value), clientv3.WithLease(s.session.Lease()))).
		Commit()
	if err != nil {
		return false, wrapEtcdError(err)
	}
	return resp.Succeeded, nil
}

// DeleteIf removes path only while it holds value.
func (s *EtcdStore) DeleteIf(ctx context.Context, path string, value []byte) (bool, error) {
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(path), "=", string(value))).
		Then(clientv3.OpDelete(path)).
		Commit()
	if err != nil {
		return false, wrapEtcdError(err)
	}
	return resp.Succeeded, nil
}

func (s *EtcdStore) Close() error {
	err := s.session.Close()
	if s.ownsClient {
		err = errors.Join(err, s.client.Close())
	}
	return err
}

func wrapEtcdError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, rpctypes.ErrNoLeader),
		errors.Is(err, rpctypes.ErrGRPCNoLeader),
		errors.Is(err, rpctypes.ErrTimeout),
		errors.Is(err, rpctypes.ErrGRPCTimeout),
		errors.Is(err, rpctypes.ErrLeaderChanged),
		errors.Is(err, rpctypes.ErrGRPCLeaderChanged):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
