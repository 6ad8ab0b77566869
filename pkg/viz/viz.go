package viz

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/rachllee/hci-stage-manager/pkg/stage"
)

var statusColors = map[stage.IssueStatus]string{
	stage.StatusResolved:        "#4ECCA3",
	stage.StatusInProgress:      "#FFB84D",
	stage.StatusNeedsAttention:  "#FF6B6B",
	stage.StatusProblemDetected: "#FF6B6B",
	stage.StatusCustom:          "#94A3B8",
}

func colorFor(status stage.IssueStatus, custom *stage.CustomStatus) string {
	if status == stage.StatusCustom && custom != nil && custom.Color != "" {
		return custom.Color
	}
	if c, ok := statusColors[status]; ok {
		return c
	}
	return "#94A3B8"
}

// RenderSnapshotToSvg draws equipment as boxes and issues as ellipses pointing at the
// equipment they were reported against. Issues referencing missing equipment point at a
// dashed placeholder.
func RenderSnapshotToSvg(snap stage.Snapshot, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	for _, eq := range snap.Equipment {
		n, err := graph.CreateNode("eq:" + eq.ID)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetShape(cgraph.BoxShape)
		n.SetColor(colorFor(eq.Status, nil))
		n.SetLabel(fmt.Sprintf("%s (%s)\n%.2f,%.2f %s", eq.Label, eq.Type, eq.Position.X, eq.Position.Y, eq.Status))
		nodeMap[eq.ID] = n
	}

	var edgeCounter uint64
	for _, issue := range snap.Issues {
		n, err := graph.CreateNode("issue:" + issue.ID)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		status := string(issue.Status)
		if issue.CustomStatus != nil {
			status = issue.CustomStatus.Name
		}
		n.SetColor(colorFor(issue.Status, issue.CustomStatus))
		n.SetLabel(fmt.Sprintf("%s\n%s by %s @ %s", issue.Title, status, issue.ReportedBy, issue.ReportedAt.UTC().Format(time.RFC3339)))

		target, ok := nodeMap[issue.EquipmentID]
		if !ok {
			if target, err = graph.CreateNode("missing:" + issue.EquipmentID); err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}
			target.SetStyle(cgraph.DashedNodeStyle)
			target.SetLabel(fmt.Sprintf("%s (missing)", issue.EquipmentID))
			nodeMap[issue.EquipmentID] = target
		}
		if _, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), n, target); err != nil {
			return fmt.Errorf("failed to create edge: %w", err)
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToTemp(snap stage.Snapshot) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("stage-%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderSnapshotToSvg(snap, tf); err != nil {
		return "", err
	}
	return tf, nil
}
