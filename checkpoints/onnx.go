package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelDomain          protowire.Number = 4
	modelModelVersion    protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphDocString   protowire.Number = 10
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorRawData   protowire.Number = 9
	tensorDocString protowire.Number = 12

	valueInfoName protowire.Number = 1

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2
)

const (
	onnxIRVersion    = 8
	onnxOpsetVersion = 17
	onnxFloat        = 1 // TensorProto.DataType FLOAT
)

// metadata_props keys
const (
	MetaArchitecture    = "tracknet.architecture"
	MetaArchitectureTag = "tracknet.architecture_tag"
	MetaClassNames      = "tracknet.class_names"
	MetaTrainingState   = "tracknet.training_state"
	MetaMetadata        = "tracknet.metadata"
)

// ONNXExporter writes checkpoints as ONNX ModelProto messages. The weights
// become graph initializers with raw little-endian float data; everything
// else travels in metadata_props.
type ONNXExporter struct {
	ProducerName    string
	ProducerVersion string
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{ProducerName: Framework, ProducerVersion: FormatVersion}
}

// ExportToONNX encodes checkpoint and writes it to w.
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, w io.Writer) error {
	data, err := oe.Marshal(checkpoint)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write ONNX model: %w", err)
	}
	return nil
}

// Marshal encodes checkpoint as an ONNX ModelProto.
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}
	props, err := oe.metadataProps(checkpoint)
	if err != nil {
		return nil, err
	}

	var b []byte
	b = appendVarintField(b, modelIRVersion, onnxIRVersion)
	b = appendStringField(b, modelProducerName, oe.ProducerName)
	b = appendStringField(b, modelProducerVersion, oe.ProducerVersion)
	b = appendStringField(b, modelDomain, "ai.tracklab")
	b = appendVarintField(b, modelModelVersion, 1)
	b = appendStringField(b, modelDocString, checkpoint.Metadata.Description)
	b = appendMessageField(b, modelGraph, graph)

	var opset []byte
	opset = appendStringField(opset, opsetDomain, "")
	opset = appendVarintField(opset, opsetVersion, onnxOpsetVersion)
	b = appendMessageField(b, modelOpsetImport, opset)

	for _, kv := range props {
		var entry []byte
		entry = appendStringField(entry, entryKey, kv[0])
		entry = appendStringField(entry, entryValue, kv[1])
		b = appendMessageField(b, modelMetadataProps, entry)
	}
	return b, nil
}

func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) ([]byte, error) {
	var g []byte
	g = appendStringField(g, graphName, checkpoint.Architecture.Name)
	for _, w := range checkpoint.Weights {
		t, err := oe.createTensorProto(w)
		if err != nil {
			return nil, err
		}
		g = appendMessageField(g, graphInitializer, t)
	}
	g = appendStringField(g, graphDocString, "weights only; the network is rebuilt from "+MetaArchitectureTag)

	var in, out []byte
	in = appendStringField(in, valueInfoName, "input")
	out = appendStringField(out, valueInfoName, "logits")
	g = appendMessageField(g, graphInput, in)
	g = appendMessageField(g, graphOutput, out)
	return g, nil
}

func (oe *ONNXExporter) createTensorProto(w WeightTensor) ([]byte, error) {
	n := 1
	for _, d := range w.Shape {
		if d < 0 {
			return nil, fmt.Errorf("tensor %q has negative dimension %v", w.Name, w.Shape)
		}
		n *= d
	}
	if n != len(w.Data) {
		return nil, fmt.Errorf("tensor %q: shape %v holds %d values, data has %d", w.Name, w.Shape, n, len(w.Data))
	}

	var dims []byte
	for _, d := range w.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	raw := make([]byte, 4*len(w.Data))
	for i, v := range w.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}

	var t []byte
	if len(dims) > 0 {
		t = appendMessageField(t, tensorDims, dims)
	}
	t = appendVarintField(t, tensorDataType, onnxFloat)
	t = appendStringField(t, tensorName, w.Name)
	t = appendMessageField(t, tensorRawData, raw)
	t = appendStringField(t, tensorDocString, w.Kind)
	return t, nil
}

func (oe *ONNXExporter) metadataProps(checkpoint *Checkpoint) ([][2]string, error) {
	values := []struct {
		key string
		v   any
	}{
		{MetaArchitecture, checkpoint.Architecture},
		{MetaClassNames, checkpoint.ClassNames},
		{MetaTrainingState, checkpoint.TrainingState},
		{MetaMetadata, checkpoint.Metadata},
	}
	props := [][2]string{{MetaArchitectureTag, checkpoint.Architecture.Name}}
	for _, kv := range values {
		data, err := json.Marshal(kv.v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", kv.key, err)
		}
		props = append(props, [2]string{kv.key, string(data)})
	}
	return props, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// ONNXImporter reads ONNX ModelProto files back into checkpoints. Only
// FLOAT initializers are supported; nodes are ignored because the network
// is rebuilt from the architecture tag.
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX decodes an ONNX model from r.
func (oi *ONNXImporter) ImportFromONNX(r io.Reader) (*Checkpoint, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX model: %w", err)
	}
	return oi.Unmarshal(data)
}

// Unmarshal decodes an ONNX ModelProto.
func (oi *ONNXImporter) Unmarshal(data []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}
	props := map[string]string{}
	sawGraph := false

	err := parseFields(data, func(f wireField) error {
		switch {
		case f.num == modelGraph && f.typ == protowire.BytesType:
			sawGraph = true
			weights, err := oi.parseGraph(f.bytes)
			if err != nil {
				return fmt.Errorf("graph: %w", err)
			}
			checkpoint.Weights = append(checkpoint.Weights, weights...)
		case f.num == modelDocString && f.typ == protowire.BytesType:
			checkpoint.Metadata.Description = string(f.bytes)
		case f.num == modelMetadataProps && f.typ == protowire.BytesType:
			var key, value string
			if err := parseFields(f.bytes, func(e wireField) error {
				switch e.num {
				case entryKey:
					key = string(e.bytes)
				case entryValue:
					value = string(e.bytes)
				}
				return nil
			}); err != nil {
				return fmt.Errorf("metadata_props: %w", err)
			}
			props[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX model: %w", err)
	}
	if !sawGraph {
		return nil, fmt.Errorf("ONNX model has no graph")
	}
	if err := oi.applyMetadata(checkpoint, props); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

func (oi *ONNXImporter) parseGraph(data []byte) ([]WeightTensor, error) {
	var weights []WeightTensor
	err := parseFields(data, func(f wireField) error {
		if f.num != graphInitializer || f.typ != protowire.BytesType {
			return nil
		}
		w, err := oi.parseTensor(f.bytes)
		if err != nil {
			return fmt.Errorf("initializer %d: %w", len(weights), err)
		}
		weights = append(weights, w)
		return nil
	})
	return weights, err
}

func (oi *ONNXImporter) parseTensor(data []byte) (WeightTensor, error) {
	var (
		w         WeightTensor
		dataType  uint64
		raw       []byte
		floatData []float32
	)
	err := parseFields(data, func(f wireField) error {
		switch f.num {
		case tensorDims:
			switch f.typ {
			case protowire.VarintType:
				w.Shape = append(w.Shape, int(int64(f.varint)))
			case protowire.BytesType:
				packed := f.bytes
				for len(packed) > 0 {
					v, n := protowire.ConsumeVarint(packed)
					if n < 0 {
						return protowire.ParseError(n)
					}
					w.Shape = append(w.Shape, int(int64(v)))
					packed = packed[n:]
				}
			}
		case tensorDataType:
			dataType = f.varint
		case tensorFloatData:
			switch f.typ {
			case protowire.Fixed32Type:
				floatData = append(floatData, math.Float32frombits(f.fixed32))
			case protowire.BytesType:
				if len(f.bytes)%4 != 0 {
					return fmt.Errorf("packed float_data length %d is not a multiple of 4", len(f.bytes))
				}
				for i := 0; i < len(f.bytes); i += 4 {
					floatData = append(floatData, math.Float32frombits(binary.LittleEndian.Uint32(f.bytes[i:])))
				}
			}
		case tensorName:
			w.Name = string(f.bytes)
		case tensorRawData:
			raw = f.bytes
		case tensorDocString:
			w.Kind = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return w, err
	}

	if dataType != onnxFloat {
		return w, fmt.Errorf("tensor %q has unsupported data type %d", w.Name, dataType)
	}
	n := 1
	for _, d := range w.Shape {
		if d < 0 {
			return w, fmt.Errorf("tensor %q has negative dimension %v", w.Name, w.Shape)
		}
		n *= d
	}
	if raw != nil {
		if len(raw) != 4*n {
			return w, fmt.Errorf("tensor %q: raw_data has %d bytes, shape %v needs %d", w.Name, len(raw), w.Shape, 4*n)
		}
		w.Data = make([]float32, n)
		for i := range w.Data {
			w.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	} else {
		if len(floatData) != n {
			return w, fmt.Errorf("tensor %q: float_data has %d values, shape %v needs %d", w.Name, len(floatData), w.Shape, n)
		}
		w.Data = floatData
	}
	if w.Shape == nil {
		w.Shape = []int{}
	}
	return w, nil
}

func (oi *ONNXImporter) applyMetadata(checkpoint *Checkpoint, props map[string]string) error {
	targets := []struct {
		key string
		dst any
	}{
		{MetaArchitecture, &checkpoint.Architecture},
		{MetaClassNames, &checkpoint.ClassNames},
		{MetaTrainingState, &checkpoint.TrainingState},
		{MetaMetadata, &checkpoint.Metadata},
	}
	for _, t := range targets {
		raw, ok := props[t.key]
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(raw), t.dst); err != nil {
			return fmt.Errorf("invalid metadata %s: %w", t.key, err)
		}
	}
	if checkpoint.Architecture.Name == "" {
		checkpoint.Architecture.Name = props[MetaArchitectureTag]
	}
	return nil
}

// wireField is one decoded protobuf field. Only the member matching typ is
// set.
type wireField struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

// parseFields calls fn for every field in a serialized message. Groups and
// fixed64 values are skipped.
func parseFields(b []byte, fn func(f wireField) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := wireField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
