package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/astromechza/layersync/pkg/document"
	"github.com/astromechza/layersync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	relayVar := flag.String("relay", "", "fetch the layer snapshot from this relay (http://host:port) instead of a file")
	layerVar := flag.String("layer", "", "the layer to fetch when -relay is set")
	svgVar := flag.String("svg", "", "write the change graph svg here instead of a temp file")
	flag.Parse()

	var buff []byte
	var err error
	if *relayVar != "" {
		if *layerVar == "" {
			return fmt.Errorf("-layer is required with -relay")
		}
		buff, err = fetchSnapshot(*relayVar, *layerVar)
	} else {
		if flag.NArg() != 1 {
			return fmt.Errorf("expected one position argument: the file to read")
		}
		buff, err = os.ReadFile(flag.Arg(0))
	}
	if err != nil {
		return err
	}

	doc, err := document.Load(buff)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	defer doc.Close()
	slog.Info("loaded heads", "heads", doc.Heads(), "size", len(buff))

	ss, err := doc.Strokes()
	if err != nil {
		return fmt.Errorf("failed to read strokes: %w", err)
	}
	for i, s := range ss {
		b := s.Compute()
		slog.Info("stroke", "i", fmt.Sprintf("%4d", i), "id", s.ID, "points", len(s.Points), "color", s.Style.Color,
			"bbox", fmt.Sprintf("%.1f,%.1f %.1f,%.1f", b.MinX, b.MinY, b.MaxX, b.MaxY))
	}

	history, err := doc.History()
	if err != nil {
		return err
	}
	for i, e := range history {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", e.Hash, "actor", e.Actor, "seq", e.Seq, "dep", e.Dependencies, "strokes", e.Strokes)
	}

	out := *svgVar
	if out == "" {
		if out, err = viz.RenderToTemp(doc); err != nil {
			return err
		}
	} else if err := viz.RenderSvg(doc, out); err != nil {
		return err
	}
	slog.Info("rendered change graph", "svg", out)
	return nil
}

func fetchSnapshot(relay, layer string) ([]byte, error) {
	base, err := url.Parse(relay)
	if err != nil {
		return nil, fmt.Errorf("failed to parse relay url: %w", err)
	}
	resp, err := http.DefaultClient.Get(base.JoinPath("layers", layer, "snapshot").String())
	if err != nil {
		return nil, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body from get: %w", err)
	}
	return raw, nil
}
