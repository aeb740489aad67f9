// Package config loads delegate options and interpreter graph descriptions
// from HCL files.
//
// An options file holds one delegate block:
//
//	delegate {
//	  device         = "CPU"
//	  flags          = ["quantized_unsigned", "force_fp16"]
//	  cache_dir      = "/var/cache/delegate"
//	  artifacts_dir  = "/var/lib/delegate/partitions"
//	  artifact_store = "gs://models/partitions"
//	}
//
// A graph file declares tensors and nodes in execution order. See LoadGraph.
package config

import (
	"fmt"
	"os"

	"github.com/gomlx/go-tflite-delegate/artifacts"
	"github.com/gomlx/go-tflite-delegate/delegate"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/sirupsen/logrus"
)

type optionsFile struct {
	Delegate *delegateBlock `hcl:"delegate,block"`
	Remain   hcl.Body       `hcl:",remain"`
}

type delegateBlock struct {
	Device        string   `hcl:"device"`
	Flags         []string `hcl:"flags,optional"`
	CacheDir      string   `hcl:"cache_dir,optional"`
	ArtifactsDir  string   `hcl:"artifacts_dir,optional"`
	ArtifactStore string   `hcl:"artifact_store,optional"`
}

// LoadOptions reads delegate options from the HCL file at path. The logger
// is used by the artifact store, if one is configured.
func LoadOptions(path string, log logrus.FieldLogger) (delegate.Options, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return delegate.Options{}, fmt.Errorf("failed to read options file: %w", err)
	}
	return ParseOptions(src, path, log)
}

// ParseOptions decodes delegate options from HCL source. filename is only
// used in diagnostics.
func ParseOptions(src []byte, filename string, log logrus.FieldLogger) (delegate.Options, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return delegate.Options{}, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var root optionsFile
	diags = gohcl.DecodeBody(file.Body, nil, &root)
	if diags.HasErrors() {
		return delegate.Options{}, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	if root.Delegate == nil {
		return delegate.Options{}, fmt.Errorf("%s: no delegate block", filename)
	}

	block := root.Delegate
	opts := delegate.Options{
		Device:       block.Device,
		CacheDir:     block.CacheDir,
		ArtifactsDir: block.ArtifactsDir,
		Logger:       log,
	}
	for _, name := range block.Flags {
		flag, err := delegate.ParseFlag(name)
		if err != nil {
			return delegate.Options{}, fmt.Errorf("%s: %w", filename, err)
		}
		opts.Flags |= flag
	}
	if block.ArtifactStore != "" {
		store, err := artifacts.Open(block.ArtifactStore, log)
		if err != nil {
			return delegate.Options{}, fmt.Errorf("%s: artifact_store: %w", filename, err)
		}
		opts.Store = store
	}
	return opts, nil
}
