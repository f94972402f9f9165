// Package catchup reconciles the gap between the last durably-published
// block and the chain head by replaying historical logs through the same
// publish path the live stream uses. The scan is windowed, deduplicated
// and ordered so downstream consumers see blockchain order exactly once.
package catchup

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/zeebo/xxh3"

	"github.com/meridianfi/chainfeed/chainrpc"
	"github.com/meridianfi/chainfeed/subbatch"
)

const (
	// DefaultWindowSize is the eth_getLogs block span per request, matching
	// the common provider cap.
	DefaultWindowSize = 10_000

	// MaxAddressesPerQuery caps the address (or id topic) list per request.
	MaxAddressesPerQuery = 1000
)

// Result summarizes one scan phase.
type Result struct {
	FromBlock       uint64 `json:"fromBlock"`
	ToBlock         uint64 `json:"toBlock"`
	EventsFound     int    `json:"eventsFound"`
	EventsPublished int    `json:"eventsPublished"`
	Err             error  `json:"-"`
}

type Options struct {
	Logger     *slog.Logger
	WindowSize uint64
}

// Scanner replays historical logs for a FilterSpec and member set.
type Scanner struct {
	provider   chainrpc.Provider
	publish    subbatch.PublishFunc
	windowSize uint64
	log        *slog.Logger
}

func NewScanner(provider chainrpc.Provider, publish subbatch.PublishFunc, opts ...Options) *Scanner {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.WindowSize == 0 {
		o.WindowSize = DefaultWindowSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Scanner{
		provider:   provider,
		publish:    publish,
		windowSize: o.WindowSize,
		log:        o.Logger,
	}
}

// Scan replays [from, to] inclusive for the given members. Failed windows
// and failed publishes log a warning and the scan continues; the last
// failure is reported in Result.Err. Output order is (blockNumber,
// logIndex) ascending with (txHash, logIndex) duplicates removed.
func (s *Scanner) Scan(ctx context.Context, from, to uint64, filter subbatch.FilterSpec, members []subbatch.Member) Result {
	r := Result{FromBlock: from, ToBlock: to}
	if from > to || len(members) == 0 {
		return r
	}

	seen := map[uint64]struct{}{}

	for start := from; start <= to; start += s.windowSize {
		end := start + s.windowSize - 1
		if end > to {
			end = to
		}

		logs, err := s.scanWindow(ctx, start, end, filter, members)
		if err != nil {
			s.log.Warn(fmt.Sprintf("catchup: chain %d window [%d, %d] failed: %v", s.provider.ChainID(), start, end, err))
			r.Err = err
			continue
		}

		fresh := make([]types.Log, 0, len(logs))
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			key := dedupeKey(lg)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			fresh = append(fresh, lg)
		}

		sort.Slice(fresh, func(i, j int) bool {
			if fresh[i].BlockNumber != fresh[j].BlockNumber {
				return fresh[i].BlockNumber < fresh[j].BlockNumber
			}
			return fresh[i].Index < fresh[j].Index
		})

		r.EventsFound += len(fresh)
		for _, lg := range fresh {
			if err := s.publish(ctx, lg); err != nil {
				s.log.Warn(fmt.Sprintf("catchup: chain %d publish failed for tx %s idx %d: %v",
					s.provider.ChainID(), lg.TxHash.Hex(), lg.Index, err))
				r.Err = err
				continue
			}
			r.EventsPublished++
		}
	}
	return r
}

// scanWindow issues one getLogs per member chunk and gathers the results.
func (s *Scanner) scanWindow(ctx context.Context, from, to uint64, filter subbatch.FilterSpec, members []subbatch.Member) ([]types.Log, error) {
	var out []types.Log

	switch filter.Mode {
	case subbatch.KeyByTopic:
		ids := make([]common.Hash, 0, len(members))
		for _, m := range members {
			ids = append(ids, common.BigToHash(m.ID))
		}
		for _, chunk := range chunkHashes(ids, MaxAddressesPerQuery) {
			topics := make([][]common.Hash, filter.IDTopicIndex+1)
			topics[0] = filter.Topics
			topics[filter.IDTopicIndex] = chunk
			q := chainrpc.FilterQueryForRange(from, to, filter.Contracts, topics)
			logs, err := s.provider.FilterLogs(ctx, q)
			if err != nil {
				return nil, err
			}
			out = append(out, logs...)
		}
	default:
		addrs := make([]common.Address, 0, len(members))
		for _, m := range members {
			addrs = append(addrs, m.Address)
		}
		for _, chunk := range chunkAddresses(addrs, MaxAddressesPerQuery) {
			q := chainrpc.FilterQueryForRange(from, to, chunk, [][]common.Hash{filter.Topics})
			logs, err := s.provider.FilterLogs(ctx, q)
			if err != nil {
				return nil, err
			}
			out = append(out, logs...)
		}
	}
	return out, nil
}

// dedupeKey digests (txHash, logIndex) into a compact set key.
func dedupeKey(lg types.Log) uint64 {
	var buf [40]byte
	copy(buf[:32], lg.TxHash.Bytes())
	binary.LittleEndian.PutUint64(buf[32:], uint64(lg.Index))
	return xxh3.Hash(buf[:])
}

func chunkAddresses(in []common.Address, size int) [][]common.Address {
	var out [][]common.Address
	for len(in) > size {
		out = append(out, in[:size])
		in = in[size:]
	}
	if len(in) > 0 {
		out = append(out, in)
	}
	return out
}

func chunkHashes(in []common.Hash, size int) [][]common.Hash {
	var out [][]common.Hash
	for len(in) > size {
		out = append(out, in[:size])
		in = in[size:]
	}
	if len(in) > 0 {
		out = append(out, in)
	}
	return out
}
