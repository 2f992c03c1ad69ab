// Package activation polls the POTA and SOTA public APIs and delivers
// park/summit activator spots into the same pipeline as DX cluster
// spots.
package activation

import (
	"context"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gtbridge/cluster"
)

const potaAPIURL = "https://api.pota.app/spot/activator"

type potaSpot struct {
	SpotID    int64  `json:"spotId"`
	Activator string `json:"activator"`
	Frequency string `json:"frequency"`
	Mode      string `json:"mode"`
	Grid4     string `json:"grid4"`
	Reference string `json:"reference"`
	SpotTime  string `json:"spotTime"`
	Comments  string `json:"comments"`
}

// POTAFetcher periodically polls the POTA activator endpoint.
type POTAFetcher struct {
	OnSpot       func(cluster.Spot, string)
	PollInterval time.Duration
	HTTPClient   *http.Client

	// APIURL overrides potaAPIURL; tests point it at an httptest server.
	APIURL string

	refreshInterval time.Duration
	lastState       map[string]lastState
}

// NewPOTAFetcher builds a POTAFetcher with gtbridge.py's 120s default
// poll interval. spotTTL mirrors gtbridge's spot_ttl config value; the
// refresh interval is max(spotTTL-30, 60s), same as NewSOTAFetcher.
func NewPOTAFetcher(onSpot func(cluster.Spot, string), spotTTL time.Duration) *POTAFetcher {
	refresh := spotTTL - 30*time.Second
	if refresh < 60*time.Second {
		refresh = 60 * time.Second
	}
	return &POTAFetcher{
		OnSpot:          onSpot,
		PollInterval:    120 * time.Second,
		HTTPClient:      &http.Client{Timeout: 15 * time.Second},
		APIURL:          potaAPIURL,
		refreshInterval: refresh,
		lastState:       make(map[string]lastState),
	}
}

// Run polls until ctx is cancelled, fetching immediately on entry.
func (f *POTAFetcher) Run(ctx context.Context) {
	log.Printf("pota: polling every %s from %s", f.PollInterval, potaAPIURL)
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

func (f *POTAFetcher) poll(ctx context.Context) {
	spots, err := f.fetch(ctx)
	if err != nil {
		log.Printf("pota: API fetch error: %v", err)
		return
	}

	// The API returns every currently-active spot per park/activator, so
	// keep only the most recent one per activator callsign, by highest
	// spot ID — same collapse SOTA's poll applies to its own feed.
	latest := make(map[string]potaSpot)
	for _, s := range spots {
		call := strings.ToUpper(strings.TrimSpace(s.Activator))
		if call == "" {
			continue
		}
		if cur, ok := latest[call]; !ok || s.SpotID > cur.SpotID {
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

		freqKHz, ok := parseFloat(s.Frequency)
		if !ok {
			continue
		}

		mode := strings.ToUpper(strings.TrimSpace(s.Mode))
		// Digital modes are handled natively via WSJT-X decodes; POTA
		// tagging for those comes through that path instead.
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

		spot := cluster.Spot{
			Spotter:  "POTA",
			FreqKHz:  freqKHz,
			DXCall:   call,
			Comment:  s.Reference,
			TimeUTC:  timeUTCFromISO(s.SpotTime),
			Mode:     mode,
			Grid:     s.Grid4,
			Activity: "POTA",
		}
		if f.OnSpot != nil {
			f.OnSpot(spot, "POTA")
		}
	}

	for call := range f.lastState {
		if !current[call] {
			delete(f.lastState, call)
		}
	}

	if newCount > 0 {
		log.Printf("pota: %d new/changed activators (%d total active)", newCount, len(current))
	}
}

func (f *POTAFetcher) fetch(ctx context.Context) ([]potaSpot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.APIURL, nil)
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

	var spots []potaSpot
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(body, &spots); err != nil {
		return nil, err
	}
	return spots, nil
}

// timeUTCFromISO extracts "HHMM" from an ISO timestamp like
// "2026-02-12T23:08:46", returning "0000" if it's too short to contain
// one.
func timeUTCFromISO(iso string) string {
	if len(iso) < 16 {
		return "0000"
	}
	return strings.ReplaceAll(iso[11:16], ":", "")
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}
