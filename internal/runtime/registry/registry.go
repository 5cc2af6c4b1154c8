// Package registry tracks the service instances known to a Router: who is
// registered, what they serve, how loaded they are, and when they were last
// heard from. All mutation happens under one mutex with short critical
// sections; the Router's message loop and health sweep are the only writers.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arcstep/meshrpc/internal/runtime/wire"
)

// State is the lifecycle position of a registered service instance.
type State string

const (
	// StateActive marks an instance eligible for routing.
	StateActive State = "ACTIVE"
	// StateOverload marks an instance that reported saturation; it stays
	// registered but receives no new calls until it resumes.
	StateOverload State = "OVERLOAD"
	// StateInactive marks an instance whose heartbeat lapsed. It reactivates
	// on the next heartbeat.
	StateInactive State = "INACTIVE"
	// StateShutdown marks an instance that unregistered explicitly. The
	// record stays visible but is ignored by sweeps and routing.
	StateShutdown State = "SHUTDOWN"
)

// Record is the bookkeeping for one registered instance. Method keys are
// fully qualified (group.method).
type Record struct {
	Identity      string                     `json:"identity"`
	Group         string                     `json:"group"`
	Methods       map[string]wire.MethodInfo `json:"methods"`
	State         State                      `json:"state"`
	MaxConcurrent int                        `json:"max_concurrent"`
	CurrentLoad   int                        `json:"current_load"`
	RequestCount  uint64                     `json:"request_count"`
	ReplyCount    uint64                     `json:"reply_count"`
	LastHeartbeat time.Time                  `json:"last_heartbeat"`
}

func (r *Record) clone() Record {
	out := *r
	out.Methods = make(map[string]wire.MethodInfo, len(r.Methods))
	for k, v := range r.Methods {
		out.Methods[k] = v
	}
	return out
}

// Registry is the mutable set of Records, keyed by transport identity.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	cursor  uint64
}

func New() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Upsert creates or replaces the record for identity from a register payload.
// Method names are namespaced with the group; load and counters come from the
// registrant, which is the source of truth for its own in-flight work after a
// reconnect. Re-registering replaces, never duplicates.
func (g *Registry) Upsert(identity string, info *wire.ServiceInfo) Record {
	methods := make(map[string]wire.MethodInfo, len(info.Methods))
	for name, mi := range info.Methods {
		methods[info.Group+"."+name] = mi
	}
	load := info.CurrentLoad
	if load < 0 {
		load = 0
	}
	rec := &Record{
		Identity:      identity,
		Group:         info.Group,
		Methods:       methods,
		State:         StateActive,
		MaxConcurrent: info.MaxConcurrent,
		CurrentLoad:   load,
		RequestCount:  info.RequestCount,
		ReplyCount:    info.ReplyCount,
		LastHeartbeat: time.Now(),
	}

	g.mu.Lock()
	g.records[identity] = rec
	out := rec.clone()
	g.mu.Unlock()
	return out
}

// Touch refreshes LastHeartbeat for a known identity. Every frame counts as a
// sign of life, not only heartbeats.
func (g *Registry) Touch(identity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[identity]
	if !ok {
		return false
	}
	rec.LastHeartbeat = time.Now()
	return true
}

// Heartbeat processes a liveness frame. It reports whether the identity is
// known (SHUTDOWN records count as unknown so the peer re-registers) and
// whether this heartbeat reactivated an INACTIVE record.
func (g *Registry) Heartbeat(identity string) (known, reactivated bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[identity]
	if !ok || rec.State == StateShutdown {
		return false, false
	}
	rec.LastHeartbeat = time.Now()
	if rec.State == StateInactive {
		rec.State = StateActive
		return true, true
	}
	return true, false
}

// Reserve picks the target for a call: the ACTIVE record advertising method
// with the lowest load strictly below its concurrency ceiling. Ties rotate
// through a cursor so equals share work. On success the record's load and
// request count are already incremented when Reserve returns.
func (g *Registry) Reserve(method string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var (
		best     []*Record
		bestLoad int
	)
	for _, rec := range g.records {
		if rec.State != StateActive {
			continue
		}
		if rec.MaxConcurrent > 0 && rec.CurrentLoad >= rec.MaxConcurrent {
			continue
		}
		if _, ok := rec.Methods[method]; !ok {
			continue
		}
		switch {
		case len(best) == 0 || rec.CurrentLoad < bestLoad:
			best = best[:0]
			best = append(best, rec)
			bestLoad = rec.CurrentLoad
		case rec.CurrentLoad == bestLoad:
			best = append(best, rec)
		}
	}
	if len(best) == 0 {
		return "", false
	}
	// Map order is random; sort so the cursor rotates deterministically.
	sort.Slice(best, func(i, j int) bool { return best[i].Identity < best[j].Identity })
	chosen := best[g.cursor%uint64(len(best))]
	g.cursor++
	chosen.CurrentLoad++
	chosen.RequestCount++
	return chosen.Identity, true
}

// Complete records a terminal frame relayed from identity: one unit of load
// released, one reply delivered.
func (g *Registry) Complete(identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[identity]
	if !ok {
		return
	}
	if rec.CurrentLoad > 0 {
		rec.CurrentLoad--
	}
	rec.ReplyCount++
}

// Release undoes a reservation whose forward failed, without counting a
// reply.
func (g *Registry) Release(identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[identity]
	if !ok {
		return
	}
	if rec.CurrentLoad > 0 {
		rec.CurrentLoad--
	}
}

// SetState applies an overload, resume, or shutdown signal the instance sent
// about itself.
func (g *Registry) SetState(identity string, state State) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[identity]
	if !ok {
		return false
	}
	rec.State = state
	return true
}

// Sweep marks every non-SHUTDOWN record whose heartbeat age exceeds timeout
// as INACTIVE and resets its load: once the owner may have crashed, its load
// figure cannot be trusted. Returns the identities newly marked.
func (g *Registry) Sweep(timeout time.Duration) []string {
	deadline := time.Now().Add(-timeout)
	g.mu.Lock()
	defer g.mu.Unlock()

	var lapsed []string
	for identity, rec := range g.records {
		if rec.State == StateShutdown || rec.State == StateInactive {
			continue
		}
		if rec.LastHeartbeat.After(deadline) {
			continue
		}
		rec.State = StateInactive
		rec.CurrentLoad = 0
		lapsed = append(lapsed, identity)
	}
	sort.Strings(lapsed)
	return lapsed
}

// Catalogue returns the union of methods advertised by ACTIVE records,
// optionally restricted to fully-qualified names beginning with filter.
func (g *Registry) Catalogue(filter string) map[string]wire.MethodInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]wire.MethodInfo)
	for _, rec := range g.records {
		if rec.State != StateActive {
			continue
		}
		for name, mi := range rec.Methods {
			if filter != "" && !strings.HasPrefix(name, filter) {
				continue
			}
			out[name] = mi
		}
	}
	return out
}

// Get returns a copy of one record.
func (g *Registry) Get(identity string) (Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[identity]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Snapshot returns copies of all records sorted by identity, for status and
// metrics surfaces.
func (g *Registry) Snapshot() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Record, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}
