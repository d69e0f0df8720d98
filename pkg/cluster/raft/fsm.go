package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	hraft "github.com/hashicorp/raft"

	"clustercore/storage"
)

// CommandType describes the replicated operation type.
type CommandType string

const (
	CmdCompareAndSet CommandType = "COUNTER_CAS"
)

// Command is the envelope replicated via Raft.
type Command struct {
	Version int             `json:"v"`
	Type    CommandType     `json:"t"`
	Payload json.RawMessage `json:"p"`
}

type casRequest struct {
	Key      string `json:"k"`
	Expected uint64 `json:"e"`
	Value    uint64 `json:"n"`
}

func newCASCommand(key string, expected, value uint64) ([]byte, error) {
	payload, err := json.Marshal(casRequest{Key: key, Expected: expected, Value: value})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{Version: 1, Type: CmdCompareAndSet, Payload: payload})
}

// FSM applies replicated counter commands onto an in-memory counter table.
// Every replica applies the same commands in the same order, so all of them
// agree on every CAS outcome.
type FSM struct {
	counters *storage.MemoryCounterStore
}

func NewFSM() *FSM { return &FSM{counters: storage.NewMemoryCounterStore()} }

// Apply decodes and executes a replicated command. It returns the swap
// outcome as a bool, or an error.
func (f *FSM) Apply(log *hraft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("fsm decode: %w", err)
	}
	switch cmd.Type {
	case CmdCompareAndSet:
		var req casRequest
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return fmt.Errorf("fsm decode %s: %w", cmd.Type, err)
		}
		swapped, err := f.counters.CompareAndSet(context.Background(), req.Key, req.Expected, req.Value)
		if err != nil {
			return err
		}
		return swapped
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

// Get reads the locally applied value of a counter.
func (f *FSM) Get(ctx context.Context, key string) (uint64, error) {
	return f.counters.Get(ctx, key)
}

// Snapshot implements hraft.FSM.
func (f *FSM) Snapshot() (hraft.FSMSnapshot, error) {
	return &snapshot{counters: f.counters.Snapshot()}, nil
}

// Restore implements hraft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var counters map[string]uint64
	if err := json.NewDecoder(rc).Decode(&counters); err != nil {
		return fmt.Errorf("fsm restore: %w", err)
	}
	f.counters.Restore(counters)
	return nil
}

type snapshot struct {
	counters map[string]uint64
}

func (s *snapshot) Persist(sink hraft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.counters); err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("fsm snapshot: %w", err)
	}
	return sink.Close()
}

func (s *snapshot) Release() {}
