package interp

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Graph is the view of an interpreter graph a delegate works against.
type Graph interface {
	// ExecutionPlan returns the node indices in execution order.
	ExecutionPlan() []int
	Node(index int) (*NodeDescriptor, error)
	Tensor(index int) (*TensorDescriptor, error)
	// TensorData returns the live buffer of a tensor, the one read and written
	// at invoke time.
	TensorData(index int) []byte
	// Outputs returns the tensors consumed outside the graph.
	Outputs() []int
	// ReplaceNodeSubset hands nodes over to a delegate kernel created by reg.Init.
	ReplaceNodeSubset(nodes []int, reg Registration) error
}

// Registration creates the kernel of one delegated partition.
type Registration struct {
	Name string
	Init func(g Graph, nodes []int) (Kernel, error)
}

// Kernel is the runtime side of one delegated partition.
type Kernel interface {
	Prepare(g Graph) error
	Invoke(g Graph) error
	Free() error
}

// Partition is a node subset taken over by a delegate kernel.
type Partition struct {
	Name   string
	Nodes  []int
	Kernel Kernel
}

// Model is an in-memory interpreter graph. Nodes execute in insertion order.
type Model struct {
	tensors    []*TensorDescriptor
	nodes      []*NodeDescriptor
	outputs    []int
	partitions []*Partition
	owner      map[int]*Partition
	prepared   bool
}

// NewModel returns an empty graph.
func NewModel() *Model {
	return &Model{owner: make(map[int]*Partition)}
}

// AddTensor appends a tensor and returns its index. Arena tensors without data
// get a zeroed buffer of the right size.
func (m *Model) AddTensor(name string, shape shapes.Shape, alloc Allocation, q *Quantization, data []byte) int {
	t := &TensorDescriptor{
		Index:        len(m.tensors),
		Name:         name,
		Shape:        shape,
		Allocation:   alloc,
		Quantization: q,
		Data:         data,
	}
	if t.Data == nil && alloc != AllocDynamic {
		t.Data = make([]byte, t.ByteLength())
	}
	m.tensors = append(m.tensors, t)
	return t.Index
}

// AddNode appends a node to the graph and to the end of the execution plan.
func (m *Model) AddNode(op OpKind, inputs, outputs []int, options any) int {
	n := &NodeDescriptor{
		Index:   len(m.nodes),
		Op:      op,
		Inputs:  inputs,
		Outputs: outputs,
		Options: options,
	}
	m.nodes = append(m.nodes, n)
	return n.Index
}

// SetOutputs declares the tensors consumed outside the graph.
func (m *Model) SetOutputs(tensors ...int) {
	m.outputs = tensors
}

// SetTensorData copies data into the live buffer of tensor index. The length
// must match the tensor's byte length.
func (m *Model) SetTensorData(index int, data []byte) error {
	t, err := m.Tensor(index)
	if err != nil {
		return err
	}
	if len(data) != len(t.Data) {
		return errors.Errorf("%s holds %d bytes, got %d", t, len(t.Data), len(data))
	}
	copy(t.Data, data)
	return nil
}

// NumTensors returns the number of tensors.
func (m *Model) NumTensors() int { return len(m.tensors) }

// NumNodes returns the number of nodes.
func (m *Model) NumNodes() int { return len(m.nodes) }

// ExecutionPlan implements Graph.
func (m *Model) ExecutionPlan() []int {
	plan := make([]int, len(m.nodes))
	for i := range plan {
		plan[i] = i
	}
	return plan
}

// Node implements Graph.
func (m *Model) Node(index int) (*NodeDescriptor, error) {
	if index < 0 || index >= len(m.nodes) {
		return nil, errors.Errorf("node index %d out of range [0, %d)", index, len(m.nodes))
	}
	return m.nodes[index], nil
}

// Tensor implements Graph.
func (m *Model) Tensor(index int) (*TensorDescriptor, error) {
	if index < 0 || index >= len(m.tensors) {
		return nil, errors.Errorf("tensor index %d out of range [0, %d)", index, len(m.tensors))
	}
	return m.tensors[index], nil
}

// TensorData implements Graph.
func (m *Model) TensorData(index int) []byte {
	if index < 0 || index >= len(m.tensors) {
		return nil
	}
	return m.tensors[index].Data
}

// Outputs implements Graph.
func (m *Model) Outputs() []int {
	return m.outputs
}

// ReplaceNodeSubset implements Graph. When reg.Init fails nothing is replaced.
func (m *Model) ReplaceNodeSubset(nodes []int, reg Registration) error {
	if len(nodes) == 0 {
		return errors.New("empty node subset")
	}
	for _, n := range nodes {
		if _, err := m.Node(n); err != nil {
			return err
		}
		if p, taken := m.owner[n]; taken {
			return errors.Errorf("node %d already belongs to partition %q", n, p.Name)
		}
	}
	kernel, err := reg.Init(m, slices.Clone(nodes))
	if err != nil {
		return errors.WithMessagef(err, "init %s", reg.Name)
	}
	p := &Partition{Name: reg.Name, Nodes: slices.Clone(nodes), Kernel: kernel}
	m.partitions = append(m.partitions, p)
	for _, n := range nodes {
		m.owner[n] = p
	}
	m.prepared = false
	return nil
}

// Partitions returns the delegated partitions in creation order.
func (m *Model) Partitions() []*Partition {
	return m.partitions
}

// Invoke runs the execution plan once. Every node must belong to a delegated
// partition; each partition kernel runs once, at the position of its first node.
// Kernels are prepared on the first Invoke after a partition change.
func (m *Model) Invoke() error {
	if !m.prepared {
		for _, p := range m.partitions {
			if err := p.Kernel.Prepare(m); err != nil {
				return errors.WithMessagef(err, "prepare %s", p.Name)
			}
		}
		m.prepared = true
	}
	ran := make(map[*Partition]bool, len(m.partitions))
	for _, n := range m.ExecutionPlan() {
		p, ok := m.owner[n]
		if !ok {
			return errors.Errorf("%s has no kernel", m.nodes[n])
		}
		if ran[p] {
			continue
		}
		ran[p] = true
		if err := p.Kernel.Invoke(m); err != nil {
			return errors.WithMessagef(err, "invoke %s", p.Name)
		}
	}
	return nil
}

// Close frees every partition kernel.
func (m *Model) Close() error {
	var firstErr error
	for _, p := range m.partitions {
		if err := p.Kernel.Free(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "free %s", p.Name)
		}
	}
	m.partitions = nil
	m.owner = make(map[int]*Partition)
	m.prepared = false
	return firstErr
}
