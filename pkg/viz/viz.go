// Package viz renders the change history of a layer document as a graph.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/layersync/pkg/document"
)

// Render writes the change graph of doc to w. Each node is one change labelled with its hash prefix,
// actor, sequence number and the stroke count at that point.
func Render(doc *document.Document, format graphviz.Format, w io.Writer) error {
	history, err := doc.History()
	if err != nil {
		return err
	}

	g := graphviz.New()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer func() {
		_ = graph.Close()
		_ = g.Close()
	}()

	nodeMap := make(map[string]*cgraph.Node, len(history))
	edgeCounter := 0
	for _, e := range history {
		n, err := graph.CreateNode(e.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %s strokes=%d", e.Hash[:8], shortActor(e.Actor), e.Seq, e.Message, e.Strokes))
		nodeMap[e.Hash] = n

		for _, dep := range e.Dependencies {
			parent, ok := nodeMap[dep]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func shortActor(actor string) string {
	if len(actor) > 8 {
		return actor[:8]
	}
	return actor
}

// RenderSvg renders doc as svg into outputPath.
func RenderSvg(doc *document.Document, outputPath string) error {
	var buff bytes.Buffer
	if err := Render(doc, graphviz.SVG, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

// RenderToTemp renders doc as svg into a new file under the temp dir and returns its path.
func RenderToTemp(doc *document.Document) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderSvg(doc, tf); err != nil {
		return "", err
	}
	return tf, nil
}
