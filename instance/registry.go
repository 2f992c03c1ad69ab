// Package instance is the virtual-instance fan-out engine: it tracks
// one synthetic WSJT-X client identity per (band, mode) pair ever seen
// by the spot cache and keeps it alive with periodic heartbeats, so the
// consuming map/roster application displays each band+mode combination
// as its own WSJT-X instance.
package instance

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gtbridge/band"
	"gtbridge/spotcache"
	"gtbridge/wire"
)

// record tracks one registered instance.
type record struct {
	clientID      string
	correlationID string
	sent          atomic.Uint64
}

// Registry owns the set of active (band, mode) instances. Instances are
// created on first sight and persist for the life of the process — the
// original never tears one down once GridTracker has seen it.
type Registry struct {
	BaseClientID      string
	HeartbeatInterval time.Duration

	// OnEmit receives every outgoing Heartbeat and Status datagram.
	OnEmit func(frame []byte)

	mu        sync.Mutex
	instances map[string]*record // "band|mode" -> record
}

// New builds a Registry. heartbeatInterval mirrors gtbridge's
// heartbeat_interval config value (default 15s).
func New(baseClientID string, heartbeatInterval time.Duration, onEmit func([]byte)) *Registry {
	return &Registry{
		BaseClientID:      baseClientID,
		HeartbeatInterval: heartbeatInterval,
		OnEmit:            onEmit,
		instances:         make(map[string]*record),
	}
}

// Register adds bandName/mode as an active instance if it isn't
// already one, and sends its initial heartbeat followed by a Status
// record, so the consumer registers the instance before any Decode for
// it arrives.
func (r *Registry) Register(bandName, mode string) {
	k := bandName + "|" + mode
	cid := spotcache.InstanceClientID(r.BaseClientID, bandName, mode)

	r.mu.Lock()
	rec, ok := r.instances[k]
	if !ok {
		rec = &record{clientID: cid, correlationID: uuid.NewString()}
		r.instances[k] = rec
	}
	r.mu.Unlock()

	if !ok {
		log.Printf("instance: new %s (correlation=%s)", cid, rec.correlationID)
		r.sendHeartbeat(rec)
		r.sendStatus(rec, bandName, mode)
	}
}

func (r *Registry) sendStatus(rec *record, bandName, mode string) {
	frame := wire.Status(wire.StatusFields{
		ClientID: rec.clientID,
		DialFreq: uint64(band.DialFreqHz(bandName)),
		Mode:     mode,
		Decoding: true,
	})
	if r.OnEmit != nil {
		r.OnEmit(frame)
	}
}

func (r *Registry) sendHeartbeat(rec *record) {
	frame := wire.Heartbeat(rec.clientID, wire.Schema, "1.0", "gtbridge")
	rec.sent.Add(1)
	if r.OnEmit != nil {
		r.OnEmit(frame)
	}
}

// Run sends a heartbeat for every registered instance every
// HeartbeatInterval, until stop is closed.
func (r *Registry) Run(stop <-chan struct{}) {
	interval := r.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.heartbeatAll()
		}
	}
}

func (r *Registry) heartbeatAll() {
	r.mu.Lock()
	recs := make([]*record, 0, len(r.instances))
	for _, rec := range r.instances {
		recs = append(recs, rec)
	}
	r.mu.Unlock()

	for _, rec := range recs {
		r.sendHeartbeat(rec)
	}
	log.Printf("instance: heartbeats sent for %d instances", len(recs))
}

// Count returns the number of active instances.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// SentCounts returns a snapshot of heartbeats-sent-per-instance, keyed
// by client_id, for the stats dashboard.
func (r *Registry) SentCounts() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.instances))
	for _, rec := range r.instances {
		out[rec.clientID] = rec.sent.Load()
	}
	return out
}
