package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/layersync/pkg/config"
	"github.com/astromechza/layersync/pkg/discovery"
	"github.com/astromechza/layersync/pkg/engine"
	"github.com/astromechza/layersync/pkg/governor"
	"github.com/astromechza/layersync/pkg/presence"
	"github.com/astromechza/layersync/pkg/transport"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	cfg := config.LoadClient()
	relayVar := flag.String("relay", cfg.RelayURL, "the ws:// url of the relay, or mdns to discover one")
	peerAddrVar := flag.String("peer-addr", cfg.PeerAddr, "the address to accept peer links on, empty to disable")
	canvasVar := flag.String("canvas", "default", "the canvas to open")
	layersVar := flag.String("layers", "background,sketch", "comma separated layer ids of the canvas")
	loadVar := flag.String("load", "", "optional json stroke payload to load into the first layer")
	drawEveryVar := flag.Duration("draw-every", 500*time.Millisecond, "how often to draw a random stroke, 0 to only observe")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relayURL := *relayVar
	if relayURL == "mdns" {
		found, err := discovery.FindRelay(ctx, 3*time.Second)
		if err != nil {
			return fmt.Errorf("failed to discover relay: %w", err)
		}
		slog.Info("discovered relay", "url", found)
		relayURL = found
	}

	wg := new(sync.WaitGroup)
	dialer := &transport.Dialer{RelayURL: relayURL}

	var peerServer *http.Server
	if *peerAddrVar != "" {
		listener, err := net.Listen("tcp", *peerAddrVar)
		if err != nil {
			return fmt.Errorf("failed to listen for peers: %w", err)
		}
		publicURL := cfg.PeerPublicURL
		if publicURL == "" {
			publicURL = "ws://" + listener.Addr().String()
		}
		dialer.Peers = transport.NewPeerHub(publicURL, nil)
		peerServer = &http.Server{Handler: dialer.Peers.Router()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := peerServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("peer listener failed", "err", err)
			}
		}()
		slog.Info("accepting peer links", "addr", listener.Addr().String(), "public", publicURL)
	}

	var gov *governor.Governor
	reg := engine.NewRegistry(dialer, engine.Options{
		SnapshotTimeout:     cfg.SnapshotTimeout,
		SaveInterval:        cfg.SaveInterval,
		RestoreDedupeWindow: cfg.RestoreDedupeWindow,
		OnState: func(layerID string, state engine.State) {
			slog.Info("layer state", "layer", layerID, "state", state)
		},
		OnPresence: func(layerID string, states map[string]presence.State) {
			slog.Debug("presence", "layer", layerID, "#peers", len(states))
		},
	})
	defer reg.Close()
	gov = governor.New(reg, governor.Options{
		HideAboveMB: cfg.HideAboveMB,
		WarnAboveMB: cfg.WarnAboveMB,
		MaxSessions: cfg.MaxSessions,
		OnChange: func() {
			slog.Warn("governor", "hidden", gov.Hidden(), "#warnings", len(gov.Warnings()))
		},
	})
	reg.SetHiddenCheck(gov.IsLayerHidden)
	reg.SetSizeWarningHandler(gov.ObserveSize)
	reg.SetLocalIdentity(cfg.Name, cfg.Color)

	layers := strings.Split(*layersVar, ",")
	if *loadVar != "" {
		raw, err := os.ReadFile(*loadVar)
		if err != nil {
			return fmt.Errorf("failed to read layer data: %w", err)
		}
		if err := reg.LoadLayerDataFromJSON(layers[0], raw); err != nil {
			return fmt.Errorf("failed to load layer data: %w", err)
		}
	}

	for _, res := range reg.SetCanvas(ctx, *canvasVar, layers) {
		if res.Err != nil {
			slog.Error("failed to activate layer", "layer", res.Layer, "err", res.Err)
		}
	}
	gov.CheckSessions()

	if *drawEveryVar > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drawRandomlyContinuously(ctx, reg, layers, cfg.Color, *drawEveryVar)
		}()
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	if peerServer != nil {
		_ = peerServer.Close()
	}
	wg.Wait()

	for _, layerID := range reg.Layers() {
		ss, _ := reg.Strokes(layerID)
		slog.Info("final layer", "layer", layerID, "#strokes", len(ss), "render", reg.RenderVersion(layerID))
		reg.FlushAndDeactivate(layerID)
	}
	return nil
}

// drawRandomlyContinuously draws a short random stroke on a random connected layer every interval.
func drawRandomlyContinuously(ctx context.Context, reg *engine.Registry, layers []string, color string, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			layerID := layers[rand.Intn(len(layers))]
			if !reg.IsLayerConnected(layerID) {
				continue
			}
			x, y := rand.Float64()*1000, rand.Float64()*1000
			reg.BeginStroke(layerID, x, y, 0.5, color, 2+rand.Float64()*4)
			for i := 0; i < 5+rand.Intn(10); i++ {
				x += rand.Float64()*20 - 10
				y += rand.Float64()*20 - 10
				reg.AppendPoint(layerID, x, y, rand.Float64())
				reg.UpdateCursor(&presence.Cursor{X: x, Y: y})
			}
			reg.EndStroke()
			ss, _ := reg.Strokes(layerID)
			slog.Info("drew stroke", "layer", layerID, "#strokes", len(ss))
		case <-ctx.Done():
			return
		}
	}
}
