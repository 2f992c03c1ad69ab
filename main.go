// Command gtbridge bridges DX cluster, POTA, and SOTA spots into the
// WSJT-X UDP protocol so a map/roster application (JTAlert, GridTracker,
// and friends) can display them as decodes, and re-broadcasts the same
// spots over a DX Spider-compatible telnet port for ordinary cluster
// clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"gtbridge/activation"
	"gtbridge/cluster"
	"gtbridge/config"
	"gtbridge/contactlog"
	"gtbridge/grid"
	"gtbridge/instance"
	"gtbridge/radio"
	"gtbridge/spotcache"
	"gtbridge/stats"
	"gtbridge/telnetserver"
	"gtbridge/wire"
)

// Version is set at build time.
var Version = "dev"

const (
	gridCachePath   = "grid_cache.json"
	summitCachePath = "summit_cache.json"
)

func main() {
	fmt.Printf("gtbridge v%s starting...\n", Version)

	configPath := flag.String("config", "gtbridge.json", "path to the JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if cfg.Callsign == "" || cfg.Callsign == "N0CALL" {
		log.Printf("WARNING: callsign is not set (N0CALL) - spots will be sent under a placeholder identity until %s is edited", *configPath)
	}

	secrets, err := config.LoadSecrets(cfg.SecretsFile)
	if err != nil {
		log.Fatalf("Error loading secrets: %v", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.UDPHost, cfg.UDPPort))
	if err != nil {
		log.Fatalf("Error resolving udp_host/udp_port: %v", err)
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		log.Fatalf("Error opening UDP socket: %v", err)
	}
	defer udpConn.Close()
	log.Printf("udp: sending WSJT-X datagrams to %s from %s", udpAddr, udpConn.LocalAddr())

	tracker := stats.NewTracker()

	emit := func(frame []byte) {
		if _, err := udpConn.WriteToUDP(frame, udpAddr); err != nil {
			log.Printf("udp: send to %s failed: %v", udpAddr, err)
		}
	}

	heartbeatInterval := time.Duration(cfg.HeartbeatInterval) * time.Second
	cycleInterval := time.Duration(cfg.CycleInterval) * time.Second
	spotTTL := time.Duration(cfg.SpotTTL) * time.Second

	instances := instance.New(cfg.ClientID, heartbeatInterval, emit)

	cache := spotcache.New(cfg.ClientID, cfg.Region, cfg.ModeFilter, cfg.BandFilter, spotTTL, cycleInterval)
	cache.OnEmit = emit
	cache.OnNewInstance = instances.Register
	cache.SkimmerOnly = cfg.QRZSkimmerOnly

	var telnetSrv *telnetserver.Server
	if cfg.TelnetServer {
		telnetSrv = telnetserver.New("0.0.0.0", cfg.TelnetPort, cfg.ClientID)
		cache.OnBroadcast = func(spot cluster.Spot, bandName string) {
			telnetSrv.Broadcast(spot)
		}
	}

	var gridLookup *grid.Lookup
	if cfg.GridLookupOnMiss() && secrets.QRZUsername != "" && secrets.QRZPassword != "" {
		gridLookup = grid.NewLookup(secrets.QRZUsername, secrets.QRZPassword, gridCachePath)
		cache.GridLookup = func(dxCall string) (string, bool) {
			return gridLookup.LookupGrid(context.Background(), dxCall)
		}
		cache.WriteThroughGrid = gridLookup.UpdateCache
		log.Printf("grid: QRZ XML lookups enabled (skimmer_only=%v)", cfg.QRZSkimmerOnly)
	} else if cfg.QRZSkimmerOnly {
		log.Printf("grid: qrz_skimmer_only set but no QRZ credentials in secrets file - grid enrichment disabled")
	}

	var radioClient *radio.Client
	if cfg.FlexRadio {
		radioClient = radio.NewClient(cfg.FlexHost, cfg.FlexPort)
	}

	onSpot := func(spot cluster.Spot, source string) {
		if cache.Add(spot, source) {
			tracker.IncrementSource(source)
			tracker.IncrementMode(spot.Mode)
		}
	}

	var clusterClients []*cluster.Client
	for _, cc := range cfg.Clusters {
		cl := cluster.NewClient(cc.Host, cc.Port, cfg.Callsign, cc.Name, onSpot)
		cl.LoginCommands = cc.LoginCommands
		cl.Password = secrets.ClusterPasswords[cc.Name]
		clusterClients = append(clusterClients, cl)
	}

	var potaFetcher *activation.POTAFetcher
	if cfg.POTASpots {
		potaFetcher = activation.NewPOTAFetcher(onSpot, spotTTL)
		if cfg.POTAPollInterval > 0 {
			potaFetcher.PollInterval = time.Duration(cfg.POTAPollInterval) * time.Second
		}
	}

	var sotaFetcher *activation.SOTAFetcher
	if cfg.SOTASpots {
		sotaFetcher = activation.NewSOTAFetcher(onSpot, spotTTL, summitCachePath)
		if cfg.SOTAPollInterval > 0 {
			sotaFetcher.PollInterval = time.Duration(cfg.SOTAPollInterval) * time.Second
		}
	}

	var contactListener *contactlog.Listener
	if cfg.N1MMListen {
		contactListener = contactlog.NewListener(cfg.N1MMPort, cfg.ClientID, cfg.Grid, emit)
		contactListener.OnNewInstance = instances.Register
	}

	allowRender := isatty.IsTerminal(os.Stdout.Fd()) && enableVirtualTerminal()
	console := newANSIConsole(cfg.UI, cfg.UI.UIEnabled(allowRender))
	if console != nil {
		console.WaitReady()
		log.SetOutput(console.SystemWriter())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stopCh)
	}()

	g, gctx := errgroup.WithContext(ctx)

	for _, cl := range clusterClients {
		cl := cl
		g.Go(func() error {
			cl.Run(gctx)
			return nil
		})
	}
	if potaFetcher != nil {
		g.Go(func() error {
			potaFetcher.Run(gctx)
			return nil
		})
	}
	if sotaFetcher != nil {
		g.Go(func() error {
			sotaFetcher.Run(gctx)
			return nil
		})
	}
	if radioClient != nil {
		g.Go(func() error {
			radioClient.Run(gctx)
			return nil
		})
	}
	if contactListener != nil {
		g.Go(func() error {
			if err := contactListener.Run(gctx); err != nil {
				log.Printf("n1mm: listener stopped: %v", err)
			}
			return nil
		})
	}
	if telnetSrv != nil {
		g.Go(func() error {
			if err := telnetSrv.Run(gctx); err != nil {
				log.Printf("telnetserver: stopped: %v", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		cache.Run(stopCh)
		return nil
	})
	g.Go(func() error {
		instances.Run(stopCh)
		return nil
	})
	g.Go(func() error {
		replyLoop(gctx, udpConn, cfg.ClientID, cfg.FlexSlice, cache, radioClient)
		return nil
	})
	g.Go(func() error {
		statsLoop(gctx, tracker, cache, instances, console)
		return nil
	})

	fmt.Println("gtbridge is running. Press Ctrl+C to stop.")
	fmt.Printf("Sending WSJT-X datagrams to %s every %s\n", udpAddr, cycleInterval)
	if telnetSrv != nil {
		fmt.Printf("Telnet re-broadcast listening on port %d\n", cfg.TelnetPort)
	}
	if cfg.POTASpots {
		fmt.Println("Polling POTA activator spots...")
	}
	if cfg.SOTASpots {
		fmt.Println("Polling SOTA spots...")
	}
	if radioClient != nil {
		fmt.Printf("Click-to-tune enabled against FlexRadio at %s:%d\n", cfg.FlexHost, cfg.FlexPort)
	}
	fmt.Println("---")

	<-ctx.Done()
	fmt.Println("\nShutting down gracefully...")

	for _, cl := range clusterClients {
		cl.Stop()
	}
	if radioClient != nil {
		radioClient.Stop()
	}
	if telnetSrv != nil {
		telnetSrv.Stop()
	}
	if console != nil {
		console.Stop()
	}

	_ = g.Wait()
	log.Println("gtbridge stopped")
}

// statsLoop prints a 60-second summary modeled on gtbridge.py's own
// stats loop: unique spot count, live cache size, total heartbeat sends
// across all instances, and the sorted list of registered virtual
// instances.
func statsLoop(ctx context.Context, tracker *stats.Tracker, cache *spotcache.Cache, instances *instance.Registry, console uiSurface) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent := instances.SentCounts()
			names := make([]string, 0, len(sent))
			var total uint64
			for name, count := range sent {
				names = append(names, name)
				total += count
			}
			sortStrings(names)

			line := fmt.Sprintf("stats: unique=%s live=%s sent=%s instances=%s",
				humanize.Comma(int64(cache.UniqueCount())),
				humanize.Comma(int64(cache.LiveCount())),
				humanize.Comma(int64(total)),
				strings.Join(names, ","))
			log.Print(line)
			if console != nil {
				console.SetStats([]string{line})
			}
			tracker.Print()
		}
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// replyLoop reads inbound type-4 Reply datagrams (click-to-tune) off
// the same UDP socket used for outbound frames and, on a cache hit,
// drives the FlexRadio client to the clicked spot's frequency and mode.
// dedicatedSlice, when positive, pins every tune to that one slice
// instead of searching for a compatible in-use slice.
func replyLoop(ctx context.Context, conn *net.UDPConn, baseClientID string, dedicatedSlice int, cache *spotcache.Cache, radioClient *radio.Client) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		rep, err := wire.ParseReply(data)
		if err != nil {
			continue // ProtocolViolation: dropped silently, debug only
		}
		if radioClient == nil {
			continue
		}

		bandName, mode, ok := parseInstanceClientID(baseClientID, rep.ClientID)
		if !ok {
			continue
		}
		dxCall := extractDXCall(rep.Message)
		if dxCall == "" {
			continue
		}
		spot, ok := cache.Lookup(bandName, dxCall)
		if !ok {
			continue
		}

		freqMHz := spot.FreqKHz / 1000.0
		sliceNum := dedicatedSlice
		if sliceNum <= 0 {
			sliceNum = radioClient.FindSlice(bandName, mode)
		}
		if sliceNum < 0 {
			log.Printf("click-to-tune: no compatible slice for %s on %s/%s", dxCall, bandName, mode)
			continue
		}
		if err := radioClient.TuneToSpot(ctx, sliceNum, freqMHz, mode); err != nil {
			log.Printf("click-to-tune: tune failed for %s: %v", dxCall, err)
		}
	}
}

// parseInstanceClientID reverses spotcache.InstanceClientID, splitting
// a virtual instance's client_id back into its (band, mode) pair.
func parseInstanceClientID(baseClientID, clientID string) (bandName, mode string, ok bool) {
	rest := strings.TrimPrefix(clientID, baseClientID+"-")
	if rest == clientID {
		return "", "", false
	}
	bandName, mode, found := strings.Cut(rest, "-")
	if !found {
		return "", "", false
	}
	return bandName, mode, true
}

// extractDXCall pulls the spotted callsign out of a Decode message of
// the form "CQ [<activity>] <dx_call> [<grid>]".
func extractDXCall(message string) string {
	fields := strings.Fields(message)
	if len(fields) < 2 {
		return ""
	}
	if fields[1] == "POTA" || fields[1] == "SOTA" {
		if len(fields) < 3 {
			return ""
		}
		return fields[2]
	}
	return fields[1]
}
