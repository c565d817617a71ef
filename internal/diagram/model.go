package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep    NodeKind = "step"
	NodeKindGuarded NodeKind = "guarded" // has a skip condition
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
)

// Status names used by the overlay besides the step statuses of a report.
const (
	StatusPending = "pending"
	StatusHeld    = "held"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string // plan levels wrapped in the virtual start and end levels
}

// Node represents a single step in the diagram.
type Node struct {
	ID         string
	Label      string
	Action     string
	Kind       NodeKind
	Breakpoint bool
	Status     *StatusOverlay
}

// StatusOverlay carries the outcome of a node from a run report.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Retries    int
	Error      string
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
