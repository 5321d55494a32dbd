package model

import (
	"fmt"
	"strings"
	"time"
)

// DataType is the element type of the embeddings stored in an index.
type DataType uint8

const (
	// DataTypeUnknown is the zero value and never valid.
	DataTypeUnknown DataType = 0
	// DataTypeFloat32 stores IEEE-754 single precision elements.
	DataTypeFloat32 DataType = 1
	// DataTypeUint8 stores integral elements in the range [0, 255].
	DataTypeUint8 DataType = 2
)

// Valid reports whether t is one of the supported element types.
func (t DataType) Valid() bool {
	return t == DataTypeFloat32 || t == DataTypeUint8
}

func (t DataType) String() string {
	switch t {
	case DataTypeFloat32:
		return "float32"
	case DataTypeUint8:
		return "uint8"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// DistanceType is the metric used to compare embeddings.
type DistanceType uint8

const (
	DistanceL2 DistanceType = iota
	DistanceCosine
	DistanceInnerProduct
)

func (d DistanceType) String() string {
	switch d {
	case DistanceL2:
		return "l2"
	case DistanceCosine:
		return "cosine"
	case DistanceInnerProduct:
		return "innerproduct"
	default:
		return fmt.Sprintf("Unknown(%d)", d)
	}
}

// ParseDistanceType parses the configuration spelling of a distance type.
func ParseDistanceType(s string) (DistanceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "l2", "euclidean":
		return DistanceL2, nil
	case "cos", "cosine":
		return DistanceCosine, nil
	case "ip", "dot", "innerproduct", "inner_product":
		return DistanceInnerProduct, nil
	default:
		return 0, fmt.Errorf("unknown distance type %q", s)
	}
}

// VectorRecord is a single embedding submitted by a client.
//
// Vectors of DataTypeUint8 indexes carry integral values in a float32 buffer.
type VectorRecord struct {
	ID        string
	Vector    []float32
	Timestamp int64 // Unix nanoseconds
}

// OpType distinguishes queued operations.
type OpType uint8

const (
	OpInsert OpType = iota + 1
	OpDelete
)

func (o OpType) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("Unknown(%d)", o)
	}
}

// QueueEntry is a pending mutation.
// For OpDelete only ID and Timestamp are meaningful.
type QueueEntry struct {
	Op        OpType
	ID        string
	Record    VectorRecord
	Seq       uint64
	Timestamp int64
}

// IdMapping associates an external ID with an internal offset.
type IdMapping struct {
	ExternalID string
	Offset     uint32
	Timestamp  int64
	Cached     bool
	Compressed bool
}

// GenerationStatus is the lifecycle state of an index generation.
type GenerationStatus uint8

const (
	GenerationBuilding GenerationStatus = iota + 1
	GenerationActive
	GenerationBroken
)

func (s GenerationStatus) String() string {
	switch s {
	case GenerationBuilding:
		return "building"
	case GenerationActive:
		return "active"
	case GenerationBroken:
		return "broken"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IndexGeneration describes one build attempt of the index.
type IndexGeneration struct {
	Seq         uint64
	UUID        string
	Status      GenerationStatus
	CreatedAt   time.Time
	VectorCount int
	// Reason holds the failure message of a broken generation.
	Reason string
}

// Neighbor is a single search result.
type Neighbor struct {
	ID       string
	Offset   uint32
	Distance float32
}
