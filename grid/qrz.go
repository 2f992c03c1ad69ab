// Package grid enriches callsigns with grid squares via the QRZ.com XML
// Logbook Data API, backed by a disk-persisted cache.
package grid

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const (
	qrzURL        = "https://xmldata.qrz.com/xml/current/"
	minLookupGap  = 2 * time.Second
	httpTimeout   = 10 * time.Second
)

// sessionEnvelope mirrors QRZ's XML response shape, with the response
// namespace stripped before parsing (QRZ's own convention).
type sessionEnvelope struct {
	XMLName  xml.Name `xml:"QRZDatabase"`
	Session  struct {
		Key   string `xml:"Key"`
		Error string `xml:"Error"`
	} `xml:"Session"`
	Callsign struct {
		Grid string `xml:"grid"`
	} `xml:"Callsign"`
}

// Lookup is a QRZ XML API client with a disk-backed grid cache. Cache
// semantics are three-valued: a found grid, a confirmed-empty string
// (QRZ knows the call but it has no grid on file), or a transient miss
// that is never persisted so it's retried on the next lookup.
type Lookup struct {
	Username  string
	Password  string
	CachePath string

	HTTPClient *http.Client

	mu         sync.Mutex
	cache      map[string]string
	sessionKey string

	lookupSem  chan struct{}
	lastLookup time.Time
	lastMu     sync.Mutex
}

// NewLookup builds a Lookup and loads its disk cache, if present.
func NewLookup(username, password, cachePath string) *Lookup {
	l := &Lookup{
		Username:   username,
		Password:   password,
		CachePath:  cachePath,
		HTTPClient: &http.Client{Timeout: httpTimeout},
		cache:      make(map[string]string),
		lookupSem:  make(chan struct{}, 1),
	}
	l.loadCache()
	return l
}

func (l *Lookup) loadCache() {
	if l.CachePath == "" {
		return
	}
	data, err := os.ReadFile(l.CachePath)
	if err != nil {
		return
	}
	var cache map[string]string
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &cache); err != nil {
		log.Printf("qrz: could not load cache: %v", err)
		return
	}
	l.mu.Lock()
	l.cache = cache
	l.mu.Unlock()
	log.Printf("qrz: loaded %d cached grids from %s", len(cache), l.CachePath)
}

func (l *Lookup) saveCache() {
	if l.CachePath == "" {
		return
	}
	l.mu.Lock()
	keys := make([]string, 0, len(l.cache))
	for k := range l.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]string, len(l.cache))
	for _, k := range keys {
		ordered[k] = l.cache[k]
	}
	l.mu.Unlock()

	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(ordered, "", " ")
	if err != nil {
		log.Printf("qrz: could not save cache: %v", err)
		return
	}
	if err := os.WriteFile(l.CachePath, data, 0o644); err != nil {
		log.Printf("qrz: could not save cache: %v", err)
	}
}

// UpdateCache records a grid learned from an authoritative source other
// than QRZ, such as a cluster spot comment.
func (l *Lookup) UpdateCache(callsign, grid string) {
	call := strings.ToUpper(callsign)
	if grid == "" {
		return
	}
	l.mu.Lock()
	changed := l.cache[call] != grid
	if changed {
		l.cache[call] = grid
	}
	l.mu.Unlock()
	if changed {
		l.saveCache()
		log.Printf("qrz: cache updated from cluster: %s -> %s", call, grid)
	}
}

// LookupGrid resolves callsign's grid square. A cache hit — including a
// confirmed "no grid on file" entry — returns instantly. A miss queries
// QRZ, serialized behind a one-slot semaphore and rate-limited to one
// request per minLookupGap across all callers. The returned bool is
// false only for a transient failure that should be retried later; a
// confirmed absence returns true with an empty grid.
func (l *Lookup) LookupGrid(ctx context.Context, callsign string) (grid string, ok bool) {
	call := strings.ToUpper(callsign)

	if g, hit := l.cacheGet(call); hit {
		return g, true
	}

	select {
	case l.lookupSem <- struct{}{}:
	case <-ctx.Done():
		return "", false
	}
	defer func() { <-l.lookupSem }()

	if g, hit := l.cacheGet(call); hit {
		return g, true
	}

	l.waitForRateLimit(ctx)

	grid, transient := l.fetchGrid(ctx, call, false)
	l.lastMu.Lock()
	l.lastLookup = time.Now()
	l.lastMu.Unlock()

	if transient {
		return "", false
	}

	l.mu.Lock()
	l.cache[call] = grid
	l.mu.Unlock()
	l.saveCache()
	return grid, true
}

func (l *Lookup) cacheGet(call string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.cache[call]
	return g, ok
}

func (l *Lookup) waitForRateLimit(ctx context.Context) {
	l.lastMu.Lock()
	elapsed := time.Since(l.lastLookup)
	l.lastMu.Unlock()
	if elapsed >= minLookupGap {
		return
	}
	t := time.NewTimer(minLookupGap - elapsed)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// fetchGrid performs the blocking lookup. transient=true means the
// result must not be cached. retried is set on the single retry made
// after a session error forced a re-login.
func (l *Lookup) fetchGrid(ctx context.Context, call string, retried bool) (grid string, transient bool) {
	l.mu.Lock()
	key := l.sessionKey
	l.mu.Unlock()

	if key == "" {
		key = l.login(ctx)
	}
	if key == "" {
		return "", true
	}

	env, err := l.query(ctx, fmt.Sprintf("%s?s=%s&callsign=%s", qrzURL, url.QueryEscape(key), url.QueryEscape(call)))
	if err != nil {
		log.Printf("qrz: lookup error for %s: %v", call, err)
		return "", true
	}

	if env.Session.Error != "" {
		lower := strings.ToLower(env.Session.Error)
		switch {
		case strings.Contains(lower, "session") || strings.Contains(lower, "timeout"):
			if retried {
				log.Printf("qrz: lookup error for %s after re-login: %s", call, env.Session.Error)
				return "", true
			}
			log.Printf("qrz: session expired, re-logging in")
			l.mu.Lock()
			l.sessionKey = ""
			l.mu.Unlock()
			if newKey := l.login(ctx); newKey != "" {
				return l.fetchGrid(ctx, call, true)
			}
			return "", true
		case strings.Contains(lower, "not found"):
			return "", false
		default:
			log.Printf("qrz: lookup error for %s: %s", call, env.Session.Error)
			return "", true
		}
	}

	if env.Callsign.Grid != "" {
		log.Printf("qrz: %s -> %s", call, env.Callsign.Grid)
		return env.Callsign.Grid, false
	}
	return "", false
}

// login obtains a session key, storing it for reuse and returning it.
func (l *Lookup) login(ctx context.Context) string {
	u := fmt.Sprintf("%s?username=%s&password=%s&agent=gtbridge",
		qrzURL, url.QueryEscape(l.Username), url.QueryEscape(l.Password))
	env, err := l.query(ctx, u)
	if err != nil {
		log.Printf("qrz: login error: %v", err)
		return ""
	}
	if env.Session.Error != "" {
		log.Printf("qrz: login failed: %s", env.Session.Error)
		return ""
	}
	if env.Session.Key == "" {
		log.Printf("qrz: login response missing session key")
		return ""
	}
	l.mu.Lock()
	l.sessionKey = env.Session.Key
	l.mu.Unlock()
	log.Printf("qrz: logged in (session key obtained)")
	return env.Session.Key
}

func (l *Lookup) query(ctx context.Context, u string) (sessionEnvelope, error) {
	var env sessionEnvelope
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return env, err
	}
	resp, err := l.HTTPClient.Do(req)
	if err != nil {
		return env, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return env, err
	}
	// QRZ's default namespace gets in the way of plain field tags; strip
	// it the same way the XML parser on the other side does.
	cleaned := strings.Replace(string(body), ` xmlns="http://xmldata.qrz.com"`, "", 1)
	if err := xml.Unmarshal([]byte(cleaned), &env); err != nil {
		return env, err
	}
	return env, nil
}
