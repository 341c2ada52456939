package nyct

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/nyct-live/tracker/internal/model"
)

// extensionField is the field number NYCT uses for all of its GTFS-RT extensions
// (nyct_feed_header, nyct_trip_descriptor and nyct_stop_time_update).
const extensionField protowire.Number = 1001

// The GTFS-RT bindings do not register the NYCT extensions, so protobuf keeps them
// in the unknown field set of the extended message. They are parsed from there.

func parseTripExtension(msg protoreflect.ProtoMessage) (NYCTTrip, error) {
	ext := NYCTTrip{Direction: model.DirectionUnknown}
	raw, ok, err := findExtension(msg.ProtoReflect().GetUnknown())
	if err != nil || !ok {
		return ext, err
	}
	err = walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte, v uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			ext.TrainID = string(b)
		case num == 2 && typ == protowire.VarintType:
			ext.IsAssigned = protowire.DecodeBool(v)
		case num == 3 && typ == protowire.VarintType:
			ext.Direction = model.Direction(int32(v))
		}
		return nil
	})
	return ext, err
}

func parseTrackExtension(msg protoreflect.ProtoMessage) (NYCTTrack, error) {
	var ext NYCTTrack
	raw, ok, err := findExtension(msg.ProtoReflect().GetUnknown())
	if err != nil || !ok {
		return ext, err
	}
	err = walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			ext.Scheduled = string(b)
		case 2:
			ext.Actual = string(b)
		}
		return nil
	})
	return ext, err
}

func parseHeaderExtension(msg protoreflect.ProtoMessage) (NYCTHeader, error) {
	var ext NYCTHeader
	raw, ok, err := findExtension(msg.ProtoReflect().GetUnknown())
	if err != nil || !ok {
		return ext, err
	}
	err = walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte, _ uint64) error {
		if num == 1 && typ == protowire.BytesType {
			ext.Version = string(b)
		}
		return nil
	})
	return ext, err
}

// findExtension returns the payload of the extension field. Repeated occurrences of an
// embedded message merge, which for the wire format is plain concatenation.
func findExtension(unknown []byte) ([]byte, bool, error) {
	var payload []byte
	found := false
	err := walkFields(unknown, func(num protowire.Number, typ protowire.Type, b []byte, _ uint64) error {
		if num != extensionField {
			return nil
		}
		if typ != protowire.BytesType {
			return fmt.Errorf("extension %d has wire type %d", num, typ)
		}
		payload = append(payload, b...)
		found = true
		return nil
	})
	return payload, found, err
}

// walkFields calls fn for every field in b. Length-delimited fields pass their bytes,
// varint and fixed-width fields pass their numeric value.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, bytes []byte, v uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			bytes []byte
			v     uint64
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v32 uint32
			v32, n = protowire.ConsumeFixed32(b)
			v = uint64(v32)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, bytes, v); err != nil {
			return err
		}
	}
	return nil
}
