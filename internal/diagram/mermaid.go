package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart. Steps of one
// plan level share a subgraph.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for i, level := range model.Levels {
		inner := i > 0 && i < len(model.Levels)-1
		indent := "    "
		if inner {
			fmt.Fprintf(&b, "    subgraph level_%d[\"level %d\"]\n", i-1, i-1)
			indent = "        "
		}
		for _, id := range level {
			if n := model.node(id); n != nil {
				b.WriteString(indent + mermaidNodeDef(n) + "\n")
			}
		}
		if inner {
			b.WriteString("    end\n")
		}
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef success fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failure fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef held fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
	b.WriteString("    classDef breakpoint stroke:#e03c31,stroke-width:3px\n")

	for _, n := range model.Nodes {
		if n.Status != nil {
			if cls := mermaidStatusClass(n.Status.Status); cls != "" {
				fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(n.ID), cls)
			}
		}
		if n.Breakpoint {
			fmt.Fprintf(&b, "    class %s breakpoint\n", mermaidSafeID(n.ID))
		}
	}
	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(n *Node) string {
	id := mermaidSafeID(n.ID)
	label := n.Label
	if n.Action != "" {
		label = fmt.Sprintf("%s (%s)", n.Label, n.Action)
	}

	switch n.Kind {
	case NodeKindGuarded:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID replaces characters Mermaid does not accept in ids.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	return r.Replace(id)
}

func mermaidStatusClass(status string) string {
	switch status {
	case "success", "failure", "skipped", StatusHeld, StatusPending:
		return status
	default:
		return ""
	}
}
