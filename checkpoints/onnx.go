package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX field numbers used by the exporter and importer (onnx.proto3)
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelVersion         protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims         protowire.Number = 1
	tensorDataType     protowire.Number = 2
	tensorFloatData    protowire.Number = 4
	tensorInt32Data    protowire.Number = 5
	tensorInt64Data    protowire.Number = 7
	tensorName         protowire.Number = 8
	tensorRawData      protowire.Number = 9
	tensorDoubleData   protowire.Number = 10
	tensorDataLocation protowire.Number = 14

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2
)

// TensorProto.DataType values the importer understands
const (
	onnxFloat    = 1
	onnxInt32    = 6
	onnxInt64    = 7
	onnxFloat16  = 10
	onnxDouble   = 11
	onnxBFloat16 = 16
)

const (
	irVersion    = 7
	opsetLevel   = 13
	graphLabel   = "plant_model"
	dataExternal = 1
)

// metadata_props keys owned by the exporter
const (
	propFramework   = "framework"
	propVersion     = "version"
	propCreatedAt   = "created_at"
	propRunID       = "run_id"
	propTags        = "tags"
	propEpoch       = "epoch"
	propStep        = "step"
	propLR          = "learning_rate"
	propValidLoss   = "valid_loss"
	propValidMetric = "valid_metric"
)

// ONNXExporter writes a checkpoint as an ONNX ModelProto whose graph holds
// one initializer per state-dict entry
type ONNXExporter struct{}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX writes checkpoint to path
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data, err := oe.Marshal(checkpoint)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// Marshal encodes checkpoint as ONNX protobuf bytes
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	var graph []byte
	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, graphLabel)
	for _, w := range checkpoint.Weights {
		if err := validateWeight(w); err != nil {
			return nil, err
		}
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, appendTensor(nil, w))
	}

	var b []byte
	b = protowire.AppendTag(b, modelIRVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, irVersion)
	b = protowire.AppendTag(b, modelProducerName, protowire.BytesType)
	b = protowire.AppendString(b, checkpoint.Metadata.Framework)
	b = protowire.AppendTag(b, modelProducerVersion, protowire.BytesType)
	b = protowire.AppendString(b, checkpoint.Metadata.Version)
	b = protowire.AppendTag(b, modelVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	if checkpoint.Metadata.Description != "" {
		b = protowire.AppendTag(b, modelDocString, protowire.BytesType)
		b = protowire.AppendString(b, checkpoint.Metadata.Description)
	}
	b = protowire.AppendTag(b, modelGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, graph)

	var opset []byte
	opset = protowire.AppendTag(opset, opsetDomain, protowire.BytesType)
	opset = protowire.AppendString(opset, "")
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, opsetLevel)
	b = protowire.AppendTag(b, modelOpsetImport, protowire.BytesType)
	b = protowire.AppendBytes(b, opset)

	props := metadataProps(checkpoint)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, entryKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, entryValue, protowire.BytesType)
		entry = protowire.AppendString(entry, props[k])
		b = protowire.AppendTag(b, modelMetadataProps, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	return b, nil
}

func validateWeight(w WeightTensor) error {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	if n != len(w.Data) {
		return fmt.Errorf("weight %s: shape %v holds %d values, got %d", w.Name, w.Shape, n, len(w.Data))
	}
	return nil
}

func appendTensor(b []byte, w WeightTensor) []byte {
	var dims []byte
	for _, d := range w.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxFloat)
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)

	raw := make([]byte, 4*len(w.Data))
	for i, v := range w.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	return b
}

func metadataProps(c *Checkpoint) map[string]string {
	props := make(map[string]string, len(c.Metadata.Properties)+10)
	for k, v := range c.Metadata.Properties {
		props[k] = v
	}
	props[propFramework] = c.Metadata.Framework
	props[propVersion] = c.Metadata.Version
	props[propCreatedAt] = c.Metadata.CreatedAt.UTC().Format(time.RFC3339Nano)
	if c.Metadata.RunID != "" {
		props[propRunID] = c.Metadata.RunID
	}
	if len(c.Metadata.Tags) > 0 {
		props[propTags] = strings.Join(c.Metadata.Tags, ",")
	}
	props[propEpoch] = strconv.Itoa(c.TrainingState.Epoch)
	props[propStep] = strconv.Itoa(c.TrainingState.Step)
	props[propLR] = strconv.FormatFloat(c.TrainingState.LearningRate, 'g', -1, 64)
	props[propValidLoss] = strconv.FormatFloat(c.TrainingState.ValidLoss, 'g', -1, 64)
	props[propValidMetric] = strconv.FormatFloat(c.TrainingState.ValidMetric, 'g', -1, 64)
	return props
}

// ONNXImporter reads initializers and metadata from ONNX files. Graph nodes
// are ignored: only weights are imported.
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX reads the checkpoint stored at path
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	return oi.Unmarshal(data)
}

// Unmarshal decodes ONNX ModelProto bytes
func (oi *ONNXImporter) Unmarshal(b []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}
	props := map[string]string{}

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == modelProducerName && typ == protowire.BytesType:
			checkpoint.Metadata.Framework = string(v)
		case num == modelProducerVersion && typ == protowire.BytesType:
			checkpoint.Metadata.Version = string(v)
		case num == modelDocString && typ == protowire.BytesType:
			checkpoint.Metadata.Description = string(v)
		case num == modelGraph && typ == protowire.BytesType:
			weights, err := parseGraph(v)
			if err != nil {
				return fmt.Errorf("graph: %w", err)
			}
			checkpoint.Weights = weights
		case num == modelMetadataProps && typ == protowire.BytesType:
			k, val, err := parseEntry(v)
			if err != nil {
				return fmt.Errorf("metadata_props: %w", err)
			}
			props[k] = val
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	applyProps(checkpoint, props)
	return checkpoint, nil
}

func applyProps(c *Checkpoint, props map[string]string) {
	if v, ok := props[propFramework]; ok {
		c.Metadata.Framework = v
	}
	if v, ok := props[propVersion]; ok {
		c.Metadata.Version = v
	}
	if v, ok := props[propCreatedAt]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			c.Metadata.CreatedAt = ts
		}
	}
	c.Metadata.RunID = props[propRunID]
	if v := props[propTags]; v != "" {
		c.Metadata.Tags = strings.Split(v, ",")
	}
	c.TrainingState.Epoch, _ = strconv.Atoi(props[propEpoch])
	c.TrainingState.Step, _ = strconv.Atoi(props[propStep])
	c.TrainingState.LearningRate, _ = strconv.ParseFloat(props[propLR], 64)
	c.TrainingState.ValidLoss, _ = strconv.ParseFloat(props[propValidLoss], 64)
	c.TrainingState.ValidMetric, _ = strconv.ParseFloat(props[propValidMetric], 64)

	for _, k := range []string{propFramework, propVersion, propCreatedAt, propRunID, propTags,
		propEpoch, propStep, propLR, propValidLoss, propValidMetric} {
		delete(props, k)
	}
	if len(props) > 0 {
		c.Metadata.Properties = props
	}
}

// walkFields calls fn for every top-level field of a message. Length
// delimited values arrive in v, varint and fixed values in x.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		var x uint64
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x32 uint32
			x32, n = protowire.ConsumeFixed32(b)
			x = uint64(x32)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

func parseEntry(b []byte) (key, value string, err error) {
	err = walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case entryKey:
			key = string(v)
		case entryValue:
			value = string(v)
		}
		return nil
	})
	return key, value, err
}

func parseGraph(b []byte) ([]WeightTensor, error) {
	var weights []WeightTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != graphInitializer || typ != protowire.BytesType {
			return nil
		}
		w, err := parseTensor(v)
		if err != nil {
			return err
		}
		weights = append(weights, w)
		return nil
	})
	return weights, err
}

type rawTensor struct {
	name     string
	dims     []int
	dataType uint64
	raw      []byte
	floats   []float32
	ints     []int64
	doubles  []float64
	external bool
}

func parseTensor(b []byte) (WeightTensor, error) {
	var t rawTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case tensorDims:
			vals, err := varints(typ, v, x)
			if err != nil {
				return err
			}
			for _, d := range vals {
				t.dims = append(t.dims, int(d))
			}
		case tensorDataType:
			t.dataType = x
		case tensorName:
			t.name = string(v)
		case tensorRawData:
			t.raw = v
		case tensorFloatData:
			if typ == protowire.Fixed32Type {
				t.floats = append(t.floats, math.Float32frombits(uint32(x)))
				return nil
			}
			for len(v) > 0 {
				bits, n := protowire.ConsumeFixed32(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.floats = append(t.floats, math.Float32frombits(bits))
				v = v[n:]
			}
		case tensorInt32Data, tensorInt64Data:
			vals, err := varints(typ, v, x)
			if err != nil {
				return err
			}
			for _, u := range vals {
				if num == tensorInt32Data {
					t.ints = append(t.ints, int64(int32(u)))
				} else {
					t.ints = append(t.ints, int64(u))
				}
			}
		case tensorDoubleData:
			if typ == protowire.Fixed64Type {
				t.doubles = append(t.doubles, math.Float64frombits(x))
				return nil
			}
			for len(v) > 0 {
				bits, n := protowire.ConsumeFixed64(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.doubles = append(t.doubles, math.Float64frombits(bits))
				v = v[n:]
			}
		case tensorDataLocation:
			t.external = x == dataExternal
		}
		return nil
	})
	if err != nil {
		return WeightTensor{}, fmt.Errorf("initializer: %w", err)
	}
	return t.weight()
}

func varints(typ protowire.Type, v []byte, x uint64) ([]uint64, error) {
	if typ == protowire.VarintType {
		return []uint64{x}, nil
	}
	var out []uint64
	for len(v) > 0 {
		u, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, u)
		v = v[n:]
	}
	return out, nil
}

func (t *rawTensor) weight() (WeightTensor, error) {
	if t.external {
		return WeightTensor{}, fmt.Errorf("initializer %s uses external data, which is not supported", t.name)
	}

	count := 1
	for _, d := range t.dims {
		count *= d
	}

	var data []float32
	switch t.dataType {
	case onnxFloat:
		if t.raw != nil {
			data = make([]float32, len(t.raw)/4)
			for i := range data {
				data[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.raw[4*i:]))
			}
		} else {
			data = t.floats
		}
	case onnxDouble:
		if t.raw != nil {
			data = make([]float32, len(t.raw)/8)
			for i := range data {
				data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(t.raw[8*i:])))
			}
		} else {
			for _, d := range t.doubles {
				data = append(data, float32(d))
			}
		}
	case onnxFloat16, onnxBFloat16:
		var bits []uint16
		if t.raw != nil {
			for i := 0; i+1 < len(t.raw); i += 2 {
				bits = append(bits, binary.LittleEndian.Uint16(t.raw[i:]))
			}
		} else {
			for _, v := range t.ints {
				bits = append(bits, uint16(v))
			}
		}
		for _, h := range bits {
			if t.dataType == onnxFloat16 {
				data = append(data, float16.Frombits(h).Float32())
			} else {
				data = append(data, math.Float32frombits(uint32(h)<<16))
			}
		}
	case onnxInt64:
		if t.raw != nil {
			for i := 0; i+7 < len(t.raw); i += 8 {
				data = append(data, float32(int64(binary.LittleEndian.Uint64(t.raw[i:]))))
			}
		} else {
			for _, v := range t.ints {
				data = append(data, float32(v))
			}
		}
	case onnxInt32:
		if t.raw != nil {
			for i := 0; i+3 < len(t.raw); i += 4 {
				data = append(data, float32(int32(binary.LittleEndian.Uint32(t.raw[i:]))))
			}
		} else {
			for _, v := range t.ints {
				data = append(data, float32(v))
			}
		}
	default:
		return WeightTensor{}, fmt.Errorf("initializer %s has unsupported data type %d", t.name, t.dataType)
	}

	if len(data) != count {
		return WeightTensor{}, fmt.Errorf("initializer %s: dims %v need %d values, found %d", t.name, t.dims, count, len(data))
	}

	shape := t.dims
	if shape == nil {
		shape = []int{}
	}
	layer, kind := splitName(t.name)
	return WeightTensor{Name: t.name, Shape: shape, Data: data, Layer: layer, Type: kind}, nil
}

// splitName separates "layer1.0.conv1.weight" into "layer1.0.conv1" and "weight"
func splitName(name string) (layer, kind string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}
