package delegate

import (
	"context"
	"path/filepath"
	"slices"

	"github.com/gomlx/go-tflite-delegate/artifacts"
	"github.com/gomlx/go-tflite-delegate/interp"
	"github.com/gomlx/go-tflite-delegate/model"
	"github.com/gomlx/go-tflite-delegate/runtime"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// tensorPartition classifies the tensors touched by a node subset.
type tensorPartition struct {
	Touched   []int
	Inputs    []int
	Constants []int
	Outputs   []int
	Internal  []int
}

// partitionTensors classifies the tensors of nodes. Masked inputs are not
// graph edges and are not touched.
func partitionTensors(g interp.Graph, nodes []*interp.NodeDescriptor, masked map[int][]int) (*tensorPartition, error) {
	accepted := make(map[int]bool, len(nodes))
	produced := make(map[int]bool)
	var touched []int
	for _, node := range nodes {
		accepted[node.Index] = true
		for pos, index := range node.Inputs {
			if index >= 0 && !slices.Contains(masked[node.Index], pos) {
				touched = append(touched, index)
			}
		}
		for _, index := range node.Outputs {
			produced[index] = true
			touched = append(touched, index)
		}
	}
	slices.Sort(touched)
	touched = slices.Compact(touched)

	consumedOutside := make(map[int]bool)
	for _, index := range g.Outputs() {
		consumedOutside[index] = true
	}
	for _, n := range g.ExecutionPlan() {
		if accepted[n] {
			continue
		}
		node, err := g.Node(n)
		if err != nil {
			return nil, err
		}
		for _, index := range node.Inputs {
			if index >= 0 {
				consumedOutside[index] = true
			}
		}
	}

	p := &tensorPartition{Touched: touched}
	for _, index := range touched {
		t, err := g.Tensor(index)
		if err != nil {
			return nil, err
		}
		switch {
		case !produced[index] && t.IsConstant():
			p.Constants = append(p.Constants, index)
		case !produced[index]:
			p.Inputs = append(p.Inputs, index)
		case consumedOutside[index]:
			p.Outputs = append(p.Outputs, index)
		default:
			p.Internal = append(p.Internal, index)
		}
	}
	return p, nil
}

// buildSubgraph lowers nodes into one program, compiles it and opens its
// session. Nothing survives a failure.
func (d *Delegate) buildSubgraph(g interp.Graph, nodes []int) (sub *Subgraph, err error) {
	log := d.log.WithFields(logrus.Fields{"nodes": len(nodes), "device": d.opts.Device})

	descs := make([]*interp.NodeDescriptor, len(nodes))
	opVisitors := make([]OpVisitor, len(nodes))
	masked := make(map[int][]int, len(nodes))
	for i, n := range nodes {
		node, err := g.Node(n)
		if err != nil {
			return nil, err
		}
		v, ok := lookupVisitor(node.Op)
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedOp, "%s", node)
		}
		descs[i], opVisitors[i] = node, v
		masked[node.Index] = v.MaskedInputs()
	}

	p, err := partitionTensors(g, descs, masked)
	if err != nil {
		return nil, err
	}
	if len(p.Outputs) == 0 {
		return nil, errors.New("partition has no external outputs")
	}

	b := model.NewBuilder("main")
	values := newValueTable(g, b, d.opts.Flags.Has(FlagForceFP16))
	bc := &BuildContext{g: g, b: b, values: values, floats: make(map[int]*model.Value)}

	for _, index := range p.Inputs {
		t, err := g.Tensor(index)
		if err != nil {
			return nil, err
		}
		dtype, err := milDType(t.DType())
		if err != nil {
			return nil, errors.WithMessagef(err, "%s", t)
		}
		if err := values.Publish(index, b.Input(tensorName(index), dtype, dims(t)...)); err != nil {
			return nil, err
		}
	}

	for i, node := range descs {
		if err := opVisitors[i].Build(bc, node); err != nil {
			return nil, errors.WithMessagef(err, "building %s", node)
		}
		if err := b.Err(); err != nil {
			return nil, errors.WithMessagef(err, "building %s", node)
		}
	}

	for _, index := range p.Outputs {
		v, ok := values.Published(index)
		if !ok {
			return nil, errors.Wrapf(ErrDanglingEdge, "output tensor %d", index)
		}
		b.Output(tensorName(index), v)
	}

	exec, err := d.rt.Compile(b, d.opts.Device)
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling partition for %s", d.opts.Device)
	}
	defer func() {
		if err != nil {
			exec.Close()
		}
	}()
	session, err := exec.NewSession()
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"id":      exec.ID(),
		"inputs":  len(p.Inputs),
		"outputs": len(p.Outputs),
		"ops":     b.NumOperations(""),
	}).Info("compiled partition")

	if d.opts.ArtifactsDir != "" {
		d.saveArtifacts(exec, log)
	}

	return &Subgraph{
		nodes:   slices.Clone(nodes),
		inputs:  p.Inputs,
		outputs: p.Outputs,
		exec:    exec,
		session: session,
	}, nil
}

// saveArtifacts serializes exec under ArtifactsDir and publishes it to the
// store. Failures are logged; the partition is usable either way.
func (d *Delegate) saveArtifacts(exec *runtime.Executable, log logrus.FieldLogger) {
	id := exec.ID().String()
	dir := filepath.Join(d.opts.ArtifactsDir, id)
	structurePath, weightsPath, err := exec.Serialize(dir)
	if err != nil {
		log.WithError(err).Warn("serializing partition")
		return
	}
	log.WithFields(logrus.Fields{"structure": structurePath, "weights": weightsPath}).Debug("serialized partition")
	if d.opts.Store == nil {
		return
	}
	files := []string{structurePath, weightsPath, filepath.Join(dir, model.ManifestFilename)}
	if err := artifacts.Publish(context.Background(), d.opts.Store, dir, id, files...); err != nil {
		log.WithError(err).Warn("publishing partition")
	}
}
