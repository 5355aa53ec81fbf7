package control

import (
	"context"
	"time"

	"github.com/c360/stagegrid/descriptor"
	"github.com/c360/stagegrid/errors"
	"github.com/c360/stagegrid/natsclient"
)

// Bus is the push transport carrying control frames.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Inbound, error)
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Inbound is an open inbound endpoint.
type Inbound interface {
	Drain(timeout time.Duration) error
}

// NameService is the cluster naming service used for election.
type NameService interface {
	// Claim binds name to id unless it is already bound. It reports whether
	// this call won.
	Claim(ctx context.Context, name string, id descriptor.NodeID) (bool, error)
	// Resolve returns the id bound to name, or errors.ErrKeyNotFound.
	Resolve(ctx context.Context, name string) (descriptor.NodeID, error)
}

type natsBus struct {
	client *natsclient.Client
}

// NewNATSBus adapts a connected natsclient.Client.
func NewNATSBus(client *natsclient.Client) Bus {
	return &natsBus{client: client}
}

func (b *natsBus) Publish(ctx context.Context, subject string, data []byte) error {
	return b.client.Publish(ctx, subject, data)
}

func (b *natsBus) Subscribe(subject string, handler func([]byte)) (Inbound, error) {
	sub, err := b.client.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *natsBus) Flush(ctx context.Context) error { return b.client.Flush(ctx) }
func (b *natsBus) Close(ctx context.Context) error { return b.client.Close(ctx) }

type kvNames struct {
	kv *natsclient.KVStore
}

// NewKVNameService uses a JetStream key-value bucket as the naming service.
// Create on an existing key fails, so the first claimant wins.
func NewKVNameService(kv *natsclient.KVStore) NameService {
	return &kvNames{kv: kv}
}

func (n *kvNames) Claim(ctx context.Context, name string, id descriptor.NodeID) (bool, error) {
	_, err := n.kv.Create(ctx, name, []byte(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, natsclient.ErrKVKeyExists):
		return false, nil
	default:
		return false, err
	}
}

func (n *kvNames) Resolve(ctx context.Context, name string) (descriptor.NodeID, error) {
	entry, err := n.kv.Get(ctx, name)
	if err != nil {
		if errors.Is(err, natsclient.ErrKVKeyNotFound) {
			return "", errors.ErrKeyNotFound
		}
		return "", err
	}
	return descriptor.NodeID(entry.Value), nil
}
