// Package tflitedelegate offloads parts of an interpreter graph to an
// inference engine that runs MIL programs.
//
// # Architecture
//
// The module is organized into several packages:
//
//   - interp: the interpreter side: tensor and node descriptors, the Graph
//     interface and the kernel lifecycle of delegated partitions
//   - delegate: node selection, lowering of accepted nodes into one MIL
//     program, compilation and tensor binding at invoke time
//   - model: MIL program builder and artifact serialization
//   - blob: weight blob file format
//   - runtime: device registry, compiled executables and sessions
//   - internal/cpu: the reference "CPU" device, a pure-Go MIL evaluator
//   - config: HCL files for delegate options and graph descriptions
//   - artifacts: publishing serialized partitions locally or to GCS
//
// # Usage
//
//	graph, err := config.LoadGraph("graph.hcl")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	d, err := delegate.New(delegate.Options{Device: "CPU"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := d.Apply(graph); err != nil {
//	    log.Fatal(err)
//	}
//	defer graph.Close()
//
//	// Fill inputs, then run every delegated partition.
//	_ = graph.SetTensorData(0, input)
//	if err := graph.Invoke(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Capabilities
//
// Float32 tensors are always supported. Quantized int8 and uint8 tensors are
// accepted with the matching delegate flag and are computed in float32
// inside the partition. Tensors whose shape changes at run time are never
// delegated.
package tflitedelegate
