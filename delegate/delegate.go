// Package delegate takes over parts of an interpreter graph and runs them on
// an inference engine device.
//
// Installation happens once per graph. SelectNodes dry-runs the predicate of
// each operator visitor over the execution plan. Apply hands the accepted
// nodes to the interpreter, which builds one compiled partition from them
// through the registration's Init. Each interpreter Invoke then copies tensor
// bytes into the partition's session, runs it and copies the results back.
//
//	d, err := delegate.New(delegate.Options{Device: "CPU"})
//	if err != nil { ... }
//	nodes, err := d.Apply(graph)
package delegate

import (
	"slices"

	"github.com/gomlx/go-tflite-delegate/interp"
	"github.com/gomlx/go-tflite-delegate/runtime"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	// The reference device.
	_ "github.com/gomlx/go-tflite-delegate/internal/cpu"
)

// RegistrationName is the name of the partitions a Delegate creates.
const RegistrationName = "MILDelegate"

// Delegate selects, lowers and compiles interpreter partitions.
type Delegate struct {
	opts Options
	rt   *runtime.Runtime
	log  logrus.FieldLogger
}

// New validates opts and returns a delegate.
func New(opts Options) (*Delegate, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	d := &Delegate{opts: opts, rt: opts.Runtime, log: opts.Logger}
	if d.log == nil {
		d.log = logrus.StandardLogger()
	}
	if d.rt == nil {
		rtOpts := []runtime.Option{runtime.WithLogger(d.log)}
		if opts.CacheDir != "" {
			rtOpts = append(rtOpts, runtime.WithCacheDir(opts.CacheDir))
		}
		d.rt = runtime.New(rtOpts...)
	}
	return d, nil
}

// Options returns the options the delegate was created with.
func (d *Delegate) Options() Options { return d.opts }

// SelectNodes returns the ascending, duplicate-free indices of the plan nodes
// the delegate can lower. A node failing any check is skipped; selection
// itself never fails.
func (d *Delegate) SelectNodes(g interp.Graph) []int {
	c := &CheckContext{g: g, flags: d.opts.Flags}
	plan := g.ExecutionPlan()
	var accepted []int
	for _, index := range plan {
		log := d.log.WithField("node", index)
		node, err := g.Node(index)
		if err != nil {
			log.WithError(err).Debug("skipping unresolved node")
			continue
		}
		log = log.WithField("op", node.Op)
		v, ok := lookupVisitor(node.Op)
		if !ok {
			log.Debug("skipping node: unsupported operator")
			continue
		}
		if err := v.Check(c, node); err != nil {
			log.WithError(err).Debug("skipping node")
			continue
		}
		accepted = append(accepted, index)
	}
	slices.Sort(accepted)
	accepted = slices.Compact(accepted)
	d.log.WithFields(logrus.Fields{"accepted": len(accepted), "plan": len(plan)}).Info("selected nodes for delegation")
	return accepted
}

// Registration returns the kernel registration whose Init builds a partition.
func (d *Delegate) Registration() interp.Registration {
	return interp.Registration{
		Name: RegistrationName,
		Init: func(g interp.Graph, nodes []int) (interp.Kernel, error) {
			return d.buildSubgraph(g, nodes)
		},
	}
}

// Apply selects the delegable nodes of g and replaces them with one compiled
// partition. It returns the replaced nodes; none is not an error.
func (d *Delegate) Apply(g interp.Graph) ([]int, error) {
	nodes := d.SelectNodes(g)
	if len(nodes) == 0 {
		return nil, nil
	}
	if err := g.ReplaceNodeSubset(nodes, d.Registration()); err != nil {
		return nil, errors.WithMessage(err, "delegating partition")
	}
	return nodes, nil
}
