// Package spotcache is the heart of the bridge: it deduplicates and
// enriches incoming spots, keys them by (band, dx_call), tracks their
// freshness through a live-then-stale lifecycle, and periodically
// re-emits the live set as grouped WSJT-X wire datagrams.
package spotcache

import (
	"strings"
	"sync"
	"time"

	"gtbridge/band"
	"gtbridge/cluster"
	"gtbridge/wire"
)

// graceTTL is how long an expired entry is kept in the stale map so a
// click-to-tune reply can still resolve it after it drops off the live
// set.
const graceTTL = 300 * time.Second

// modeChar selects the Decode record's single-character mode field, the
// same table gtbridge.py used to mark a decode as FT8/FT4/JT65/JT9/MSK144
// or fall back to the generic "~" for everything else.
var modeChar = map[string]string{
	"FT8":    "~",
	"FT4":    "+",
	"JT65":   "#",
	"JT9":    "@",
	"MSK144": "`",
}

func charForMode(mode string) string {
	if c, ok := modeChar[strings.ToUpper(mode)]; ok {
		return c
	}
	return "~"
}

// entry is one cached (band, dx_call) spot.
type entry struct {
	spot        cluster.Spot
	source      string
	band        string
	firstSeen   time.Time
	lastUpdated time.Time
	expiredAt   time.Time
}

type key struct {
	band   string
	dxCall string
}

// Cache deduplicates and flushes spots. A single mutex guards live,
// stale, and instances so every observer sees a consistent snapshot.
type Cache struct {
	ClientID      string
	Region        int
	ModeFilter    map[string]bool
	BandFilter    map[string]bool
	SpotTTL       time.Duration
	CycleInterval time.Duration

	// OnEmit receives every wire datagram the flush cycle produces, in
	// order: a Status record per group, then one Decode record per spot
	// in that group.
	OnEmit func(frame []byte)

	// OnNewInstance fires the first time a (band, mode) pair is seen,
	// so the caller can register it with the virtual instance registry
	// and send its initial heartbeat + status.
	OnNewInstance func(bandName, mode string)

	// OnBroadcast, if set, receives every accepted spot for telnet
	// re-broadcast to subscribed clients.
	OnBroadcast func(cluster.Spot, bandName string)

	// GridLookup performs the grid enrichment network call (C5) for a
	// callsign lacking a grid square. Called from a background
	// goroutine so a slow or rate-limited lookup never holds up Add.
	GridLookup func(dxCall string) (grid string, ok bool)

	// WriteThroughGrid, if set, receives (dx_call, grid) whenever an
	// incoming spot already carries a grid, so the grid cache used by
	// GridLookup stays authoritative without its own network round trip.
	WriteThroughGrid func(dxCall, grid string)

	// SkimmerOnly restricts GridLookup to spotter callsigns containing
	// "#" (skimmer/RBN-style spotters) or spots carrying an activity
	// tag, matching gtbridge's qrz_skimmer_only config flag.
	SkimmerOnly bool

	mu        sync.Mutex
	live      map[key]*entry
	stale     map[key]*entry
	instances map[string]bool // "band|mode"

	uniqueCount uint64
}

// New builds a Cache. modeFilter/bandFilter are case-insensitive
// allow-lists; an empty list means "no filtering."
func New(clientID string, region int, modeFilter, bandFilter []string, spotTTL, cycleInterval time.Duration) *Cache {
	return &Cache{
		ClientID:      clientID,
		Region:        region,
		ModeFilter:    toSet(modeFilter),
		BandFilter:    toSet(bandFilter),
		SpotTTL:       spotTTL,
		CycleInterval: cycleInterval,
		live:          make(map[key]*entry),
		stale:         make(map[key]*entry),
		instances:     make(map[string]bool),
	}
}

func toSet(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	s := make(map[string]bool, len(vals))
	for _, v := range vals {
		s[strings.ToUpper(v)] = true
	}
	return s
}

// Add applies the arrival path to a spot from source (a cluster name,
// "POTA", or "SOTA"): mode/band inference and filtering, enrichment,
// and update-or-insert against the live map. It returns true if the
// spot was accepted into the cache.
func (c *Cache) Add(spot cluster.Spot, source string) bool {
	mode := strings.ToUpper(spot.Mode)
	if mode == "" {
		mode = band.InferMode(spot.FreqKHz, c.Region)
	}
	if c.ModeFilter != nil && !c.ModeFilter[mode] {
		return false
	}

	bandName := band.FreqToBand(spot.FreqKHz)
	if bandName == "" {
		return false
	}
	if c.BandFilter != nil && !c.BandFilter[bandName] {
		return false
	}

	spot.Mode = mode
	dxCall := strings.ToUpper(spot.DXCall)
	k := key{band: bandName, dxCall: dxCall}
	now := time.Now()

	// C5 grid enrichment does not apply to summit-origin spots: SOTA
	// already resolved their grid authoritatively from the summit
	// reference. Everything else either write-throughs a grid it
	// already has or, when allowed, kicks off an async lookup.
	if spot.Activity != "SOTA" {
		if spot.Grid != "" {
			if c.WriteThroughGrid != nil {
				c.WriteThroughGrid(dxCall, spot.Grid)
			}
		} else if c.GridLookup != nil {
			if !c.SkimmerOnly || strings.Contains(spot.Spotter, "#") || spot.Activity != "" {
				go func() {
					if grid, ok := c.GridLookup(dxCall); ok && grid != "" {
						c.updateGrid(k, grid)
					}
				}()
			}
		}
	}

	c.mu.Lock()
	isNewInstance := false
	if e, ok := c.live[k]; ok {
		if spot.Activity == "" && e.spot.Activity != "" {
			spot.Activity = e.spot.Activity
		}
		e.spot = spot
		e.source = source
		e.lastUpdated = now
	} else {
		c.live[k] = &entry{
			spot:        spot,
			source:      source,
			band:        bandName,
			firstSeen:   now,
			lastUpdated: now,
		}
		c.uniqueCount++
	}
	instKey := bandName + "|" + mode
	if !c.instances[instKey] {
		c.instances[instKey] = true
		isNewInstance = true
	}
	c.mu.Unlock()

	if c.OnBroadcast != nil {
		c.OnBroadcast(spot, bandName)
	}
	if isNewInstance && c.OnNewInstance != nil {
		c.OnNewInstance(bandName, mode)
	}
	return true
}

// Run drives the periodic flush cycle until stopped.
func (c *Cache) Run(stop <-chan struct{}) {
	interval := c.CycleInterval
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
			c.Flush()
		}
	}
}

// groupedEntry is a (band, mode) flush group.
type groupedEntry struct {
	bandName string
	mode     string
	entries  []*entry
}

// Flush expires stale-beyond-grace entries, moves live-but-expired
// entries to the stale map, and re-emits the remaining live set grouped
// by (band, mode).
func (c *Cache) Flush() {
	ttl := c.SpotTTL
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	now := time.Now()

	c.mu.Lock()
	for k, e := range c.live {
		if now.Sub(e.lastUpdated) > ttl {
			e.expiredAt = now
			c.stale[k] = e
			delete(c.live, k)
		}
	}
	for k, e := range c.stale {
		if now.Sub(e.expiredAt) > graceTTL {
			delete(c.stale, k)
		}
	}

	groups := make(map[string]*groupedEntry)
	var order []string
	for _, e := range c.live {
		mode := e.spot.Mode
		if mode == "" {
			mode = "SSB"
		}
		gk := e.band + "|" + mode
		g, ok := groups[gk]
		if !ok {
			g = &groupedEntry{bandName: e.band, mode: mode}
			groups[gk] = g
			order = append(order, gk)
		}
		g.entries = append(g.entries, e)
	}
	c.mu.Unlock()

	for _, gk := range order {
		c.emitGroup(groups[gk])
	}
}

// InstanceClientID returns the synthetic WSJT-X client_id for a
// (band, mode) virtual instance, e.g. "GTB-20m-CW" — a distinct
// client_id per band+mode so the consuming map application treats each
// as a separate WSJT-X instance running the right mode.
func InstanceClientID(baseClientID, bandName, mode string) string {
	return baseClientID + "-" + bandName + "-" + mode
}

func (c *Cache) emitGroup(g *groupedEntry) {
	dialHz := band.DialFreqHz(g.bandName)
	if dialHz == 0 && len(g.entries) > 0 {
		dialHz = int64(g.entries[0].spot.FreqKHz * 1000)
	}
	cid := InstanceClientID(c.ClientID, g.bandName, g.mode)

	statusFrame := wire.Status(wire.StatusFields{
		ClientID: cid,
		DialFreq: uint64(dialHz),
		Mode:     g.mode,
		Decoding: true,
	})
	c.emit(statusFrame)

	timeMS := wire.CurrentTimeMS()
	for _, e := range g.entries {
		snr := int32(-10)
		if e.spot.HasSNR {
			snr = int32(e.spot.SNR)
		}
		message := "CQ "
		if e.spot.Activity != "" {
			message += e.spot.Activity + " "
		}
		message += e.spot.DXCall
		if e.spot.Grid != "" {
			message += " " + e.spot.Grid
		}

		decodeFrame := wire.Decode(wire.DecodeFields{
			ClientID:  cid,
			IsNew:     true,
			TimeMS:    timeMS,
			SNR:       snr,
			DeltaTime: 0.0,
			DeltaFreq: uint32(e.spot.FreqKHz * 1000),
			Mode:      charForMode(e.spot.Mode),
			Message:   message,
		})
		c.emit(decodeFrame)
	}
}

func (c *Cache) emit(frame []byte) {
	if c.OnEmit != nil {
		c.OnEmit(frame)
	}
}

// Lookup resolves a (band, dx_call) pair for click-to-tune: it checks
// the live cache first, then the stale-but-in-grace cache, returning
// false if the pair is unknown to both.
func (c *Cache) Lookup(bandName, dxCall string) (cluster.Spot, bool) {
	k := key{band: bandName, dxCall: strings.ToUpper(dxCall)}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.live[k]; ok {
		return e.spot, true
	}
	if e, ok := c.stale[k]; ok {
		return e.spot, true
	}
	return cluster.Spot{}, false
}

// updateGrid backfills a live entry's grid once an async GridLookup
// resolves, unless the entry has since picked up its own grid or aged
// out of the live map entirely.
func (c *Cache) updateGrid(k key, grid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.live[k]; ok && e.spot.Grid == "" {
		e.spot.Grid = grid
	}
}

// UniqueCount returns the number of distinct (band, dx_call) keys ever
// inserted into the live map.
func (c *Cache) UniqueCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniqueCount
}

// LiveCount returns the number of entries currently in the live map.
func (c *Cache) LiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}
