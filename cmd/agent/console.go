package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rachllee/hci-stage-manager/pkg/agent"
	"github.com/rachllee/hci-stage-manager/pkg/stage"
)

const usage = `commands:
  equip <mic|light> <label> <x> <y>   place equipment at a relative position
  issue <equipment-id> <title...>     report a problem against equipment
  resolve <issue-id>                  mark an issue resolved
  show                                print the local document
  status                              print the sync status
  quit                                leave`

// console is a line-oriented stand-in for the stage UI: every command is a local edit.
type console struct {
	agent *agent.Agent
	user  string
	out   io.Writer
	now   func() time.Time
}

func (c *console) run(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" {
			return
		}
		if err := c.exec(fields[0], fields[1:]); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *console) exec(cmd string, args []string) error {
	switch cmd {
	case "equip":
		return c.equip(args)
	case "issue":
		return c.issue(args)
	case "resolve":
		return c.resolve(args)
	case "show":
		raw, err := json.MarshalIndent(c.agent.Document().Snapshot(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, string(raw))
	case "status":
		s, text := c.agent.Status()
		fmt.Fprintf(c.out, "%s (%s) version=%d origin=%s %s\n", s.Label(), s, c.agent.Version(), c.agent.OriginID(), text)
	default:
		fmt.Fprintln(c.out, usage)
	}
	return nil
}

func (c *console) timestamp() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *console) equip(args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("usage: equip <mic|light> <label> <x> <y>")
	}
	kind := stage.EquipmentType(args[0])
	if kind != stage.EquipmentMic && kind != stage.EquipmentLight {
		return fmt.Errorf("unknown equipment type %q", args[0])
	}
	x, err := parseRelative(args[2])
	if err != nil {
		return err
	}
	y, err := parseRelative(args[3])
	if err != nil {
		return err
	}
	crew := stage.CrewLighting
	if kind == stage.EquipmentMic {
		crew = stage.CrewSound
	}
	eq := stage.Equipment{
		ID:       fmt.Sprintf("%s-%d", kind, c.timestamp().UnixMilli()),
		Type:     kind,
		Label:    args[1],
		Position: stage.Position{X: x, Y: y},
		Status:   stage.StatusResolved,
		Crew:     crew,
	}
	c.agent.Document().Update(func(s *stage.Snapshot) {
		s.Equipment = append(s.Equipment, eq)
	})
	fmt.Fprintf(c.out, "placed %s\n", eq.ID)
	return nil
}

func (c *console) issue(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: issue <equipment-id> <title...>")
	}
	var err error
	now := c.timestamp()
	id := fmt.Sprintf("issue-%d", now.UnixMilli())
	c.agent.Document().Update(func(s *stage.Snapshot) {
		idx := -1
		for i := range s.Equipment {
			if s.Equipment[i].ID == args[0] {
				idx = i
			}
		}
		if idx < 0 {
			err = fmt.Errorf("no equipment %q", args[0])
			return
		}
		s.Equipment[idx].Status = stage.StatusProblemDetected
		s.Issues = append(s.Issues, stage.Issue{
			ID:             id,
			EquipmentID:    args[0],
			EquipmentLabel: s.Equipment[idx].Label,
			Title:          strings.Join(args[1:], " "),
			Status:         stage.StatusProblemDetected,
			ReportedBy:     c.user,
			ReportedAt:     now,
		})
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "reported %s\n", id)
	return nil
}

func (c *console) resolve(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: resolve <issue-id>")
	}
	found := false
	c.agent.Document().Update(func(s *stage.Snapshot) {
		for i := range s.Issues {
			if s.Issues[i].ID != args[0] {
				continue
			}
			found = true
			s.Issues[i].Status = stage.StatusResolved
			s.Issues[i].CustomStatus = nil
			s.Issues[i].AssignedTo = without(s.Issues[i].AssignedTo, c.user)
			for j := range s.Equipment {
				if s.Equipment[j].ID == s.Issues[i].EquipmentID {
					s.Equipment[j].Status = stage.StatusResolved
				}
			}
		}
	})
	if !found {
		return fmt.Errorf("no issue %q", args[0])
	}
	fmt.Fprintf(c.out, "resolved %s\n", args[0])
	return nil
}

func without(ids []string, id string) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func parseRelative(raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, fmt.Errorf("position %q must be between 0 and 1", raw)
	}
	return v, nil
}
