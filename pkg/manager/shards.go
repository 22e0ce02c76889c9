// Package manager hosts the public runtime surface: a sharded, tenant
// isolated registry of live FSM instances plus the operations that drive
// them (create, send_event, broadcast, destroy, batch, stats).
package manager

import (
	"hash/fnv"
	"sync"

	"github.com/navigatorhq/navigator/pkg/fsm"
)

// entry holds one live instance. The entry mutex serializes transitions on
// that instance; the current pointer is swapped under the shard lock so
// readers always see a complete instance.
type entry struct {
	mu   sync.Mutex
	def  *fsm.KindDefinition
	inst *fsm.Instance
}

type shard struct {
	mu        sync.RWMutex
	instances map[string]*entry
	tenants   map[string]map[string]struct{}
}

func newShard() *shard {
	return &shard{
		instances: make(map[string]*entry),
		tenants:   make(map[string]map[string]struct{}),
	}
}

func (s *shard) insert(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := e.inst
	s.instances[inst.ID] = e
	idx, ok := s.tenants[inst.TenantID]
	if !ok {
		idx = make(map[string]struct{})
		s.tenants[inst.TenantID] = idx
	}
	idx[inst.ID] = struct{}{}
}

func (s *shard) remove(instanceID string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.instances[instanceID]
	if !ok {
		return nil, false
	}
	delete(s.instances, instanceID)
	if idx, ok := s.tenants[e.inst.TenantID]; ok {
		delete(idx, instanceID)
		if len(idx) == 0 {
			delete(s.tenants, e.inst.TenantID)
		}
	}
	return e, true
}

// publish swaps the entry's current instance so concurrent readers observe
// the transition atomically.
func (s *shard) publish(e *entry, inst *fsm.Instance) {
	s.mu.Lock()
	e.inst = inst
	s.mu.Unlock()
}

func (s *shard) snapshot(e *entry) *fsm.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return e.inst
}

func (s *shard) tenantEntries(tenantID string) []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.tenants[tenantID]
	if !ok {
		return nil
	}
	out := make([]*entry, 0, len(idx))
	for id := range idx {
		if e, ok := s.instances[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (s *shard) allEntries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.instances))
	for _, e := range s.instances {
		out = append(out, e)
	}
	return out
}

func (s *shard) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// shardSet partitions instances by tenant hash and keeps a global
// instance-id index so lookups by id stay O(1).
type shardSet struct {
	shards []*shard

	mu    sync.RWMutex
	index map[string]int
}

func newShardSet(n int) *shardSet {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = newShard()
	}
	return &shardSet{
		shards: shards,
		index:  make(map[string]int),
	}
}

func shardIndex(tenantID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return int(h.Sum32()) % n
}

func (ss *shardSet) forTenant(tenantID string) (*shard, int) {
	i := shardIndex(tenantID, len(ss.shards))
	return ss.shards[i], i
}

func (ss *shardSet) insert(e *entry) {
	sh, i := ss.forTenant(e.inst.TenantID)
	sh.insert(e)
	ss.mu.Lock()
	ss.index[e.inst.ID] = i
	ss.mu.Unlock()
}

func (ss *shardSet) lookup(instanceID string) (*shard, *entry, bool) {
	ss.mu.RLock()
	i, ok := ss.index[instanceID]
	ss.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	sh := ss.shards[i]
	sh.mu.RLock()
	e, ok := sh.instances[instanceID]
	sh.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	return sh, e, true
}

func (ss *shardSet) remove(instanceID string) (*entry, bool) {
	ss.mu.Lock()
	i, ok := ss.index[instanceID]
	if ok {
		delete(ss.index, instanceID)
	}
	ss.mu.Unlock()
	if !ok {
		return nil, false
	}
	return ss.shards[i].remove(instanceID)
}

func (ss *shardSet) counts() []int {
	out := make([]int, len(ss.shards))
	for i, sh := range ss.shards {
		out[i] = sh.size()
	}
	return out
}
