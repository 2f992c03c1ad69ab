package activation

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gtbridge/cluster"
)

const (
	sotaSpotsURL  = "https://api2.sota.org.uk/api/spots/50/all"
	sotaSummitURL = "https://api2.sota.org.uk/api/summits"
)

type sotaSpot struct {
	ID                int64  `json:"id"`
	ActivatorCallsign string `json:"activatorCallsign"`
	Frequency         string `json:"frequency"`
	Mode              string `json:"mode"`
	AssociationCode   string `json:"associationCode"`
	SummitCode        string `json:"summitCode"`
	Comments          string `json:"comments"`
	TimeStamp         string `json:"timeStamp"`
}

type sotaSummit struct {
	Locator string `json:"locator"`
}

type lastState struct {
	freqKHz float64
	mode    string
	seenAt  time.Time
}

// SOTAFetcher periodically polls the SOTA spots endpoint and resolves
// each summit's grid square through a disk-persisted cache.
type SOTAFetcher struct {
	OnSpot          func(cluster.Spot, string)
	PollInterval    time.Duration
	HTTPClient      *http.Client
	SummitCachePath string

	// SpotsURL and SummitURL override their package-level defaults;
	// tests point them at an httptest server.
	SpotsURL  string
	SummitURL string

	refreshInterval time.Duration
	lastState       map[string]lastState

	cacheMu     sync.Mutex
	summitCache map[string]string
}

// NewSOTAFetcher builds a SOTAFetcher. spotTTL mirrors gtbridge's
// spot_ttl config value; the refresh interval is max(spotTTL-30, 60s)
// exactly as sota.py derives it.
func NewSOTAFetcher(onSpot func(cluster.Spot, string), spotTTL time.Duration, cachePath string) *SOTAFetcher {
	refresh := spotTTL - 30*time.Second
	if refresh < 60*time.Second {
		refresh = 60 * time.Second
	}
	f := &SOTAFetcher{
		OnSpot:          onSpot,
		PollInterval:    120 * time.Second,
		HTTPClient:      &http.Client{Timeout: 15 * time.Second},
		SummitCachePath: cachePath,
		SpotsURL:        sotaSpotsURL,
		SummitURL:       sotaSummitURL,
		refreshInterval: refresh,
		lastState:       make(map[string]lastState),
		summitCache:     make(map[string]string),
	}
	f.loadSummitCache()
	return f
}

func (f *SOTAFetcher) loadSummitCache() {
	if f.SummitCachePath == "" {
		return
	}
	data, err := os.ReadFile(f.SummitCachePath)
	if err != nil {
		return
	}
	var cache map[string]string
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &cache); err != nil {
		return
	}
	f.cacheMu.Lock()
	f.summitCache = cache
	f.cacheMu.Unlock()
	log.Printf("sota: loaded %d cached summit grids from %s", len(cache), f.SummitCachePath)
}

func (f *SOTAFetcher) saveSummitCache() {
	if f.SummitCachePath == "" {
		return
	}
	f.cacheMu.Lock()
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(f.summitCache, "", "  ")
	f.cacheMu.Unlock()
	if err != nil {
		return
	}
	if err := os.WriteFile(f.SummitCachePath, data, 0o644); err != nil {
		log.Printf("sota: failed to save summit cache: %v", err)
	}
}

// Run polls until ctx is cancelled, fetching immediately on entry.
func (f *SOTAFetcher) Run(ctx context.Context) {
	log.Printf("sota: polling every %s from %s", f.PollInterval, sotaSpotsURL)
	f.poll(ctx)

	ticker := time.NewTicker(f.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

func (f *SOTAFetcher) poll(ctx context.Context) {
	raw, err := f.fetchSpots(ctx)
	if err != nil {
		log.Printf("sota: API fetch error: %v", err)
		return
	}

	// The API returns full spot history; keep only the most recent spot
	// per activator callsign, by highest spot ID.
	latest := make(map[string]sotaSpot)
	for _, s := range raw {
		call := strings.ToUpper(strings.TrimSpace(s.ActivatorCallsign))
		if call == "" {
			continue
		}
		if cur, ok := latest[call]; !ok || s.ID > cur.ID {
			latest[call] = s
		}
	}

	newCount := 0
	current := make(map[string]bool, len(latest))
	now := time.Now()

	for call, s := range latest {
		if s.Frequency == "" {
			continue
		}
		if strings.Contains(strings.ToUpper(s.Comments), "QRT") {
			continue
		}

		freqMHz, ok := parseFloat(s.Frequency)
		if !ok {
			continue
		}
		freqKHz := freqMHz * 1000.0
		if freqKHz < 1800 || freqKHz > 450000 {
			continue
		}

		mode := strings.ToUpper(strings.TrimSpace(s.Mode))
		if mode == "OTHER" {
			mode = ""
		}
		if mode == "FT8" || mode == "FT4" {
			continue
		}

		current[call] = true
		state := lastState{freqKHz: freqKHz, mode: mode, seenAt: now}
		if prev, ok := f.lastState[call]; ok &&
			prev.freqKHz == state.freqKHz && prev.mode == state.mode &&
			now.Sub(prev.seenAt) < f.refreshInterval {
			continue
		}
		f.lastState[call] = state
		newCount++

		summitRef := s.AssociationCode + "/" + s.SummitCode
		grid := f.summitGrid(ctx, summitRef)

		spot := cluster.Spot{
			Spotter: "SOTA",
			FreqKHz: freqKHz,
			DXCall:  call,
			Comment: summitRef,
			TimeUTC: timeUTCFromISO(s.TimeStamp),
			Mode:     mode,
			Grid:     grid,
			Activity: "SOTA",
		}
		if f.OnSpot != nil {
			f.OnSpot(spot, "SOTA")
		}
	}

	for call := range f.lastState {
		if !current[call] {
			delete(f.lastState, call)
		}
	}

	if newCount > 0 {
		log.Printf("sota: %d new/changed activators (%d total active)", newCount, len(current))
	}
}

// summitGrid resolves a summit's grid square, consulting the disk cache
// first. A miss is cached as an empty string so a summit lacking
// published coordinates is never retried every poll cycle.
func (f *SOTAFetcher) summitGrid(ctx context.Context, summitRef string) string {
	f.cacheMu.Lock()
	grid, ok := f.summitCache[summitRef]
	f.cacheMu.Unlock()
	if ok {
		return grid
	}

	grid = f.fetchSummitGrid(ctx, summitRef)
	f.cacheMu.Lock()
	f.summitCache[summitRef] = grid
	f.cacheMu.Unlock()
	f.saveSummitCache()
	if grid != "" {
		log.Printf("sota: summit %s -> %s", summitRef, grid)
	}
	return grid
}

func (f *SOTAFetcher) fetchSummitGrid(ctx context.Context, summitRef string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.SummitURL+"/"+summitRef, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", "GTBridge/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		log.Printf("sota: summit lookup failed for %s: %v", summitRef, err)
		return ""
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	var summit sotaSummit
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(body, &summit); err != nil {
		return ""
	}
	if len(summit.Locator) >= 4 {
		return summit.Locator[:4]
	}
	return ""
}

func (f *SOTAFetcher) fetchSpots(ctx context.Context) ([]sotaSpot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.SpotsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "GTBridge/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var spots []sotaSpot
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(body, &spots); err != nil {
		return nil, err
	}
	return spots, nil
}
