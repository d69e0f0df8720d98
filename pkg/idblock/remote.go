package idblock

import (
	"context"
	"fmt"
	"time"

	"clustercore/pkg/messaging"
)

// AllocateSubject is the messaging subject block requests are served on.
const AllocateSubject = "idblock-allocate"

type allocateRequest struct {
	Key string `json:"key"`
}

// Requester is the part of the messaging transport RemoteAllocator needs.
type Requester interface {
	SendAndReceive(ctx context.Context, ep messaging.Endpoint, subject string, payload []byte, timeout time.Duration) ([]byte, error)
}

// RemoteAllocator asks another node for blocks. Target is resolved on every
// call so it can follow a moving owner such as a raft leader.
type RemoteAllocator struct {
	Transport  Requester
	Target     func() (messaging.Endpoint, error)
	Timeout    time.Duration
	Serializer messaging.Serializer
}

var _ BlockAllocator = (*RemoteAllocator)(nil)

func (r *RemoteAllocator) serializer() messaging.Serializer {
	if r.Serializer == nil {
		return messaging.JSONSerializer{}
	}
	return r.Serializer
}

func (r *RemoteAllocator) AllocateBlock(ctx context.Context, key string) (Block, error) {
	ep, err := r.Target()
	if err != nil {
		return Block{}, fmt.Errorf("%w: %s: %w", ErrAllocationExhausted, key, err)
	}
	s := r.serializer()
	payload, err := s.Encode(allocateRequest{Key: key})
	if err != nil {
		return Block{}, err
	}
	reply, err := r.Transport.SendAndReceive(ctx, ep, AllocateSubject, payload, r.Timeout)
	if err != nil {
		return Block{}, fmt.Errorf("%w: %s via %s: %w", ErrAllocationExhausted, key, ep, err)
	}
	var b Block
	if err := s.Decode(reply, &b); err != nil {
		return Block{}, fmt.Errorf("%w: decode reply from %s: %w", ErrAllocationExhausted, ep, err)
	}
	return b, nil
}

// Handler serves block requests from remote nodes with alloc.
func Handler(alloc BlockAllocator, s messaging.Serializer) messaging.HandlerFunc {
	if s == nil {
		s = messaging.JSONSerializer{}
	}
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req allocateRequest
		if err := s.Decode(payload, &req); err != nil {
			return nil, err
		}
		if req.Key == "" {
			return nil, fmt.Errorf("missing counter key")
		}
		b, err := alloc.AllocateBlock(ctx, req.Key)
		if err != nil {
			return nil, err
		}
		return s.Encode(b)
	}
}
