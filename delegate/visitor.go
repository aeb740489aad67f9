package delegate

import (
	"sync"

	"github.com/gomlx/go-tflite-delegate/interp"
)

// OpVisitor lowers one interpreter operator kind.
//
// Check is a pure predicate run during selection; it must not touch the
// graph under construction. Build runs only on nodes Check accepted and
// publishes every output of the node.
type OpVisitor interface {
	// MaskedInputs lists the input positions that configure the operator
	// instead of carrying runtime data. They are never graph edges.
	MaskedInputs() []int
	Check(c *CheckContext, node *interp.NodeDescriptor) error
	Build(bc *BuildContext, node *interp.NodeDescriptor) error
}

var (
	visitorsMu sync.RWMutex
	visitors   = make(map[interp.OpKind]OpVisitor)
)

// RegisterVisitor makes v handle op, replacing any previous visitor.
func RegisterVisitor(op interp.OpKind, v OpVisitor) {
	visitorsMu.Lock()
	defer visitorsMu.Unlock()
	visitors[op] = v
}

func lookupVisitor(op interp.OpKind) (OpVisitor, bool) {
	visitorsMu.RLock()
	defer visitorsMu.RUnlock()
	v, ok := visitors[op]
	return v, ok
}

// Variable arity, for visitor.numInputs and visitor.numOutputs.
const anyCount = -1

// visitor is the OpVisitor used by the builtin catalog: the common edge
// checks followed by an operator specific predicate and builder.
type visitor struct {
	numInputs  int
	numOutputs int
	masked     []int
	check      func(c *CheckContext, node *interp.NodeDescriptor) error
	build      func(bc *BuildContext, node *interp.NodeDescriptor) error
}

func (v *visitor) MaskedInputs() []int { return v.masked }

func (v *visitor) Check(c *CheckContext, node *interp.NodeDescriptor) error {
	if err := checkNumInputsAndOutputs(node, v.numInputs, v.numOutputs); err != nil {
		return err
	}
	if err := c.checkEdges(node, v.masked); err != nil {
		return err
	}
	if v.check == nil {
		return nil
	}
	return v.check(c, node)
}

func (v *visitor) Build(bc *BuildContext, node *interp.NodeDescriptor) error {
	return v.build(bc, node)
}
