package extensions

import (
	"fmt"
	"strings"

	"github.com/m1gwings/treedrawer/tree"
	pumped "github.com/pumped-fn/pumped-ctx"
	"go.uber.org/zap"
)

// TreeDebugExtension logs the context tree when a computation or an
// injection fails.
//
// Usage:
//
//	ext := extensions.NewTreeDebugExtension(logger)
//	root := pumped.New(pumped.WithExtension(ext))
//
// The extension logs at ERROR level.
type TreeDebugExtension struct {
	pumped.BaseExtension
	logger *zap.Logger
}

// NewTreeDebugExtension creates a new tree debug extension
func NewTreeDebugExtension(logger *zap.Logger) *TreeDebugExtension {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TreeDebugExtension{
		BaseExtension: pumped.NewBaseExtension("tree-debug"),
		logger:        logger,
	}
}

// OnError logs the context tree the failing operation ran in
func (e *TreeDebugExtension) OnError(err error, op *pumped.Operation) {
	if op.Context == nil {
		return
	}

	e.logger.Error("Context Resolution Error",
		zap.String("operation", string(op.Kind)),
		zap.String("key", op.Key),
		zap.Stringer("context", op.Context),
		zap.Error(err),
		zap.String("context_tree", RenderTree(rootOf(op.Context), op.Context)),
	)
}

func rootOf(c *pumped.Context) *pumped.Context {
	for {
		parent := c.Parent()
		if parent == nil {
			return c
		}
		c = parent
	}
}

// RenderTree draws root and its live descendants, listing the keys each
// context declares. The context equal to mark, if any, is flagged.
func RenderTree(root, mark *pumped.Context) string {
	t := tree.NewTree(tree.NodeString(nodeLabel(root, mark)))
	addChildren(t, root, mark)
	return t.String()
}

func addChildren(t *tree.Tree, c, mark *pumped.Context) {
	for _, child := range c.Children() {
		addChildren(t.AddChild(tree.NodeString(nodeLabel(child, mark))), child, mark)
	}
}

func nodeLabel(c, mark *pumped.Context) string {
	var sb strings.Builder
	sb.WriteString(c.String())

	if keys := c.LocalKeys(); len(keys) > 0 {
		sb.WriteString(fmt.Sprintf(" [%s]", strings.Join(keys, ", ")))
	}
	if c == mark {
		sb.WriteString(" <- FAILED")
	}
	return sb.String()
}
