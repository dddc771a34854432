package api

import (
	"math"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func orEmpty(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}

func field(req *structpb.Struct, name string) (*structpb.Value, bool) {
	if req == nil {
		return nil, false
	}
	v, ok := req.GetFields()[name]
	if !ok {
		return nil, false
	}
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return nil, false
	}
	return v, true
}

func stringField(req *structpb.Struct, name string) (string, bool) {
	v, ok := field(req, name)
	if !ok {
		return "", false
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return s.StringValue, true
}

func boolField(req *structpb.Struct, name string) (bool, bool) {
	v, ok := field(req, name)
	if !ok {
		return false, false
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, false
	}
	return b.BoolValue, true
}

// intField reads a number field. Fractions are truncated.
func intField(req *structpb.Struct, name string) (int64, bool) {
	v, ok := field(req, name)
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || math.IsNaN(n.NumberValue) || math.IsInf(n.NumberValue, 0) {
		return 0, false
	}
	return int64(n.NumberValue), true
}

func stringsField(req *structpb.Struct, name string) []string {
	v, ok := field(req, name)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range v.GetListValue().GetValues() {
		if s, ok := item.GetKind().(*structpb.Value_StringValue); ok {
			out = append(out, s.StringValue)
		}
	}
	return out
}
