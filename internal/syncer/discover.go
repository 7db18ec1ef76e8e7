package syncer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/garnizeh/chainlance/pkg/binding"
)

// KeyDiscoverer is the first stage of the pipeline: it yields the keys that
// may exist, in discovery order and without duplicates. It makes no claim
// about their current state.
type KeyDiscoverer interface {
	Discover(ctx context.Context) ([]common.Hash, error)
}

// LogSource is the part of a backend log discovery needs.
type LogSource interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// LogScan queries one event over [FromBlock, latest], split in windows of
// BlockRange blocks when BlockRange is non-zero.
type LogScan struct {
	Source     LogSource
	Binding    *binding.Binding
	Address    common.Address
	Event      string
	FromBlock  uint64
	BlockRange uint64
	// Topics filter indexed fields after the event topic.
	Topics [][]common.Hash
}

// Events returns the decoded events in chain order. Removed logs are dropped.
func (s LogScan) Events(ctx context.Context) ([]binding.Event, error) {
	topic, err := s.Binding.Topic(s.Event)
	if err != nil {
		return nil, err
	}
	latest, err := s.Source.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest block: %w", err)
	}
	if latest < s.FromBlock {
		return []binding.Event{}, nil
	}

	topics := append([][]common.Hash{{topic}}, s.Topics...)
	out := []binding.Event{}
	for from := s.FromBlock; from <= latest; {
		to := latest
		if s.BlockRange > 0 && from+s.BlockRange-1 < latest {
			to = from + s.BlockRange - 1
		}
		logs, err := s.Source.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{s.Address},
			Topics:    topics,
		})
		if err != nil {
			return nil, fmt.Errorf("logs %s [%d,%d]: %w", s.Event, from, to, err)
		}
		for _, l := range logs {
			if l.Removed {
				continue
			}
			ev, err := s.Binding.DecodeLog(l)
			if err != nil {
				return nil, fmt.Errorf("log %s#%d: %w", l.TxHash.Hex(), l.Index, err)
			}
			out = append(out, ev)
		}
		if to == latest {
			break
		}
		from = to + 1
	}
	return out, nil
}

// EventKeys discovers keys by replaying one event and extracting a key from
// each occurrence.
type EventKeys struct {
	Scan LogScan
	Key  func(binding.Event) (common.Hash, bool)
}

// Discover implements KeyDiscoverer. Repeated announcements of the same key
// keep their first position.
func (d EventKeys) Discover(ctx context.Context) ([]common.Hash, error) {
	events, err := d.Scan.Events(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[common.Hash]struct{}, len(events))
	keys := make([]common.Hash, 0, len(events))
	for _, ev := range events {
		k, ok := d.Key(ev)
		if !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys, nil
}

// OfferKeys discovers offer ids from workOffered logs.
func OfferKeys(scan LogScan) EventKeys {
	scan.Event = binding.EventWorkOffered
	return EventKeys{
		Scan: scan,
		Key: func(ev binding.Event) (common.Hash, bool) {
			wo, ok := ev.(binding.WorkOffered)
			return wo.OfferedWorkID, ok
		},
	}
}

// StaticKeys is a KeyDiscoverer over a fixed list, for an external index.
type StaticKeys []common.Hash

func (s StaticKeys) Discover(context.Context) ([]common.Hash, error) {
	return append([]common.Hash{}, s...), nil
}
