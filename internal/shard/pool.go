package shard

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gftdcojp/segment-delivery/internal/types"
)

// Pool is the fixed, ordered set of shards. A shard's ID is its position.
type Pool struct {
	shards []*Shard
}

func NewPool(shards []*Shard) (*Pool, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("shard pool requires at least one shard")
	}
	for i, s := range shards {
		if s == nil {
			return nil, fmt.Errorf("shard %d is nil", i)
		}
		if s.ID() != i {
			return nil, fmt.Errorf("shard %q has id %d, expected %d", s.Name(), s.ID(), i)
		}
	}
	return &Pool{shards: append([]*Shard(nil), shards...)}, nil
}

func (p *Pool) Len() int { return len(p.shards) }

// Assign places the segment at the given order on shard order mod N.
func (p *Pool) Assign(order int) int {
	n := len(p.shards)
	return ((order % n) + n) % n
}

// AssignByContent places a segment by the md5 of its payload.
func (p *Pool) AssignByContent(data []byte) int {
	sum := md5.Sum(data)
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(len(p.shards)))
}

// AssignWith applies the given placement policy.
func (p *Pool) AssignWith(policy types.AssignmentPolicy, order int, data []byte) int {
	if policy == types.PolicyContentHash {
		return p.AssignByContent(data)
	}
	return p.Assign(order)
}

// Shard returns the shard with the given id. An id outside the pool is
// reported as unavailable, never substituted.
func (p *Pool) Shard(id int) (*Shard, error) {
	if id < 0 || id >= len(p.shards) {
		return nil, &Error{Kind: KindUnavailable, Shard: id, Op: "lookup", Err: fmt.Errorf("shard %d is not configured", id)}
	}
	return p.shards[id], nil
}

func (p *Pool) Shards() []*Shard {
	return append([]*Shard(nil), p.shards...)
}

func (p *Pool) Stats() []types.ShardStats {
	out := make([]types.ShardStats, 0, len(p.shards))
	for _, s := range p.shards {
		out = append(out, s.Stats())
	}
	return out
}

func (p *Pool) Close() error {
	var errs []error
	for _, s := range p.shards {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing shard %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
