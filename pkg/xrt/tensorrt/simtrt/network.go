// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simtrt

import (
	"fmt"
	"math"
	"slices"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xrt/pkg/core/dtypes"
	"github.com/gomlx/xrt/pkg/core/shapes"
	"github.com/gomlx/xrt/pkg/support/sets"
	"github.com/gomlx/xrt/pkg/xrt/tensorrt"
)

// opType of a Node.
type opType int

const (
	opInput opType = iota
	opRelu
	opScale
	opAdd
	opSoftmax
)

func (op opType) String() string {
	switch op {
	case opInput:
		return "input"
	case opRelu:
		return "relu"
	case opScale:
		return "scale"
	case opAdd:
		return "add"
	case opSoftmax:
		return "softmax"
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// Node is a float32 tensor of a Network. Its shape excludes the batch axis.
type Node struct {
	network *Network
	id      int
	name    string
	op      opType
	inputs  []*Node
	shape   shapes.Shape

	inputIndex int     // For opInput.
	factor     float32 // For opScale.
}

// Name of the node. It is unique in the network, and it is the key of the node's range in the
// calibration table.
func (n *Node) Name() string { return n.name }

// Shape of one example of the node.
func (n *Node) Shape() shapes.Shape { return n.shape }

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("%s(%q)%s", n.op, n.name, n.shape)
}

// Network is a simulated network definition: a dataflow graph of float32 nodes with named
// inputs and outputs. It implements tensorrt.Network.
//
// Misuse while defining the network (duplicate names, mismatched shapes, nodes of other networks)
// panics with an error, the same way graph building does in the op translators.
type Network struct {
	name        string
	nodes       []*Node
	inputs      []*Node
	outputs     []*Node
	outputNames []string

	nodeNames    sets.Set[string]
	bindingNames sets.Set[string]
}

// Compile-time check that Network implements tensorrt.Network.
var _ tensorrt.Network = (*Network)(nil)

// NewNetwork returns an empty network.
func NewNetwork(name string) *Network {
	return &Network{
		name:         name,
		nodeNames:    sets.Make[string](),
		bindingNames: sets.Make[string](),
	}
}

// Name implements tensorrt.Network.
func (n *Network) Name() string { return n.name }

// InputNames implements tensorrt.Network.
func (n *Network) InputNames() []string {
	names := make([]string, len(n.inputs))
	for ii, node := range n.inputs {
		names[ii] = node.name
	}
	return names
}

// OutputNames implements tensorrt.Network.
func (n *Network) OutputNames() []string {
	return slices.Clone(n.outputNames)
}

// NumNodes returns the number of nodes of the network, including the inputs.
func (n *Network) NumNodes() int { return len(n.nodes) }

func (n *Network) newNode(op opType, name string, shape shapes.Shape, inputs ...*Node) *Node {
	for _, input := range inputs {
		if input == nil || input.network != n {
			exceptions.Panicf("simtrt: %s node in network %q uses a node from another network", op, n.name)
		}
	}
	if name == "" {
		name = fmt.Sprintf("%s_%d", op, len(n.nodes))
	}
	if !n.nodeNames.Add(name) {
		exceptions.Panicf("simtrt: network %q already has a node named %q", n.name, name)
	}
	node := &Node{
		network: n,
		id:      len(n.nodes),
		name:    name,
		op:      op,
		inputs:  inputs,
		shape:   shape,
	}
	n.nodes = append(n.nodes, node)
	return node
}

// AddInput adds a named float32 input. dimensions exclude the batch axis.
func (n *Network) AddInput(name string, dimensions ...int) *Node {
	if name == "" {
		exceptions.Panicf("simtrt: network %q input must have a name", n.name)
	}
	if !n.bindingNames.Add(name) {
		exceptions.Panicf("simtrt: network %q already has a binding named %q", n.name, name)
	}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("simtrt: network %q input %q has invalid dimensions %v", n.name, name, dimensions)
		}
	}
	node := n.newNode(opInput, name, shapes.Make(dtypes.Float32, dimensions...))
	node.inputIndex = len(n.inputs)
	n.inputs = append(n.inputs, node)
	return node
}

// Relu returns max(x, 0).
func (n *Network) Relu(x *Node) *Node {
	return n.newNode(opRelu, "", x.Shape(), x)
}

// Scale returns x*factor.
func (n *Network) Scale(x *Node, factor float32) *Node {
	node := n.newNode(opScale, "", x.Shape(), x)
	node.factor = factor
	return node
}

// Add returns x+y. They must have the same shape.
func (n *Network) Add(x, y *Node) *Node {
	if x == nil || y == nil {
		exceptions.Panicf("simtrt: Add with nil operand in network %q", n.name)
	}
	if !x.shape.Equal(y.shape) {
		exceptions.Panicf("simtrt: Add of mismatched shapes %s and %s in network %q", x.shape, y.shape, n.name)
	}
	return n.newNode(opAdd, "", x.Shape(), x, y)
}

// Softmax over the last axis of x.
func (n *Network) Softmax(x *Node) *Node {
	if x == nil {
		exceptions.Panicf("simtrt: Softmax with nil operand in network %q", n.name)
	}
	if x.shape.Rank() == 0 {
		exceptions.Panicf("simtrt: Softmax requires at least one axis besides the batch axis, got %s", x.shape)
	}
	return n.newNode(opSoftmax, "", x.Shape(), x)
}

// MarkOutput marks x as an output of the network, bound with the given name.
func (n *Network) MarkOutput(x *Node, name string) {
	if x == nil || x.network != n {
		exceptions.Panicf("simtrt: MarkOutput(%q) with a node not from network %q", name, n.name)
	}
	if name == "" {
		exceptions.Panicf("simtrt: network %q output must have a name", n.name)
	}
	if !n.bindingNames.Add(name) {
		exceptions.Panicf("simtrt: network %q already has a binding named %q", n.name, name)
	}
	n.outputs = append(n.outputs, x)
	n.outputNames = append(n.outputNames, name)
}

// evaluate computes the values of all nodes for batchSize examples. inputs holds one pointer per
// network input. If quantize is not nil, it is applied to the values of every node once computed.
func (n *Network) evaluate(batchSize int, inputs []unsafe.Pointer, quantize func(node *Node, values []float32)) [][]float32 {
	values := make([][]float32, len(n.nodes))
	for _, node := range n.nodes {
		size := batchSize * node.shape.Size()
		var v []float32
		switch node.op {
		case opInput:
			v = slices.Clone(unsafe.Slice((*float32)(inputs[node.inputIndex]), size))
		case opRelu:
			x := values[node.inputs[0].id]
			v = make([]float32, size)
			for ii, xi := range x {
				v[ii] = max(xi, 0)
			}
		case opScale:
			x := values[node.inputs[0].id]
			v = make([]float32, size)
			for ii, xi := range x {
				v[ii] = xi * node.factor
			}
		case opAdd:
			x, y := values[node.inputs[0].id], values[node.inputs[1].id]
			v = make([]float32, size)
			for ii := range v {
				v[ii] = x[ii] + y[ii]
			}
		case opSoftmax:
			v = softmax(values[node.inputs[0].id], node.shape.Dim(-1))
		default:
			exceptions.Panicf("simtrt: unknown op %s", node.op)
		}
		if quantize != nil {
			quantize(node, v)
		}
		values[node.id] = v
	}
	return values
}

// softmax over consecutive rows of x of the given length.
func softmax(x []float32, rowLength int) []float32 {
	v := make([]float32, len(x))
	for start := 0; start+rowLength <= len(x); start += rowLength {
		row := x[start : start+rowLength]
		maxValue := slices.Max(row)
		var sum float64
		for ii, xi := range row {
			e := math.Exp(float64(xi - maxValue))
			v[start+ii] = float32(e)
			sum += e
		}
		for ii := range row {
			v[start+ii] = float32(float64(v[start+ii]) / sum)
		}
	}
	return v
}
