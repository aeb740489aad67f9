package delegate

import "github.com/pkg/errors"

var (
	// ErrUnsupportedOp is returned when a build reaches an operator with no visitor.
	ErrUnsupportedOp = errors.New("unsupported operator")
	// ErrDoublePublish is returned when two producers publish the same tensor.
	ErrDoublePublish = errors.New("tensor published twice")
	// ErrDanglingEdge is returned when a tensor is consumed but has no producer
	// and no constant data.
	ErrDanglingEdge = errors.New("tensor has no producer")
	// ErrByteLength is returned by Invoke when an interpreter buffer does not
	// match the size of its compiled slot.
	ErrByteLength = errors.New("tensor byte length mismatch")
)
