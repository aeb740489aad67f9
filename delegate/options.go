package delegate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/go-tflite-delegate/artifacts"
	"github.com/gomlx/go-tflite-delegate/runtime"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Flag enables optional delegate capabilities.
type Flag uint32

const (
	// FlagQuantizedSigned accepts int8 tensors with per-tensor affine quantization.
	FlagQuantizedSigned Flag = 1 << iota
	// FlagQuantizedUnsigned accepts uint8 tensors with per-tensor affine quantization.
	FlagQuantizedUnsigned
	// FlagForceFP16 stores float32 constants as float16 in the compiled graph.
	FlagForceFP16
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagQuantizedSigned, "quantized_signed"},
	{FlagQuantizedUnsigned, "quantized_unsigned"},
	{FlagForceFP16, "force_fp16"},
}

// Has reports whether every bit of x is set in f.
func (f Flag) Has(x Flag) bool { return f&x == x }

func (f Flag) String() string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
			f &^= fn.flag
		}
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(f)))
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseFlag returns the flag with the given name, as printed by Flag.String.
func ParseFlag(name string) (Flag, error) {
	for _, fn := range flagNames {
		if fn.name == strings.ToLower(name) {
			return fn.flag, nil
		}
	}
	return 0, errors.Errorf("unknown delegate flag %q", name)
}

// Options configures a Delegate.
type Options struct {
	// Device is the inference engine device partitions are compiled for.
	// There is no default.
	Device string

	Flags Flag

	// CacheDir is where the runtime keeps temporary artifacts. Ignored when
	// Runtime is set.
	CacheDir string

	// ArtifactsDir, when set, receives the structure and weights of every
	// compiled partition, one subdirectory per partition.
	ArtifactsDir string

	// Store, when set together with ArtifactsDir, is where serialized
	// partitions are published.
	Store artifacts.Store

	Runtime *runtime.Runtime
	Logger  logrus.FieldLogger
}

// Validate checks that the options name a registered device.
func (o *Options) Validate() error {
	if o.Device == "" {
		return errors.New("delegate options: no target device")
	}
	if !slices.Contains(runtime.Devices(), o.Device) {
		return errors.Wrapf(runtime.ErrUnknownDevice, "delegate options: device %q (registered: %v)", o.Device, runtime.Devices())
	}
	if o.Store != nil && o.ArtifactsDir == "" {
		return errors.New("delegate options: an artifact store needs ArtifactsDir")
	}
	return nil
}
