package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "success":
		return "[OK]"
	case "failure":
		return "[FAIL]"
	case "skipped":
		return "[SKIP]"
	case StatusHeld:
		return "[HELD]"
	case StatusPending:
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel level by level, with the boxes of one
// level side by side.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		var boxes []asciiBox
		for _, id := range level {
			if n := model.node(id); n != nil {
				boxes = append(boxes, makeBox(n))
			}
		}
		renderBoxRow(&b, boxes)
		if i < len(model.Levels)-1 && len(boxes) > 0 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}
	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(n *Node) asciiBox {
	label := n.Label
	if n.Breakpoint {
		label = "● " + label
	}
	content := []string{label}
	if n.Action != "" {
		content = append(content, "("+n.Action+")")
	}
	if n.Kind == NodeKindGuarded {
		content = append(content, "?skip_if")
	}
	if n.Status != nil {
		if tag := statusTag(n.Status.Status); tag != "" {
			content = append(content, tag)
		}
		if n.Status.Retries > 0 {
			content = append(content, fmt.Sprintf("retries %d", n.Status.Retries))
		}
		if n.Status.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", n.Status.DurationMs))
		}
	}

	maxLen := 0
	for _, line := range content {
		if l := utf8.RuneCountInString(line); l > maxLen {
			maxLen = l
		}
	}
	width := maxLen + 4

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, line := range content {
		pad := maxLen - utf8.RuneCountInString(line)
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return asciiBox{lines: lines, width: width}
}

func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	maxHeight := 0
	for _, box := range boxes {
		if len(box.lines) > maxHeight {
			maxHeight = len(box.lines)
		}
	}
	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}
