package dynamodb

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Attributes converts typed attribute values to plain Go values suitable
// for a JSON document. Numbers stay json.Number so no precision is lost.
func Attributes(item map[string]ddbtypes.AttributeValue) (map[string]any, error) {
	if item == nil {
		return nil, nil
	}
	out := make(map[string]any, len(item))
	for name, av := range item {
		v, err := value(av)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func value(av ddbtypes.AttributeValue) (any, error) {
	switch v := av.(type) {
	case *ddbtypes.AttributeValueMemberS:
		return v.Value, nil
	case *ddbtypes.AttributeValueMemberN:
		return json.Number(v.Value), nil
	case *ddbtypes.AttributeValueMemberB:
		return v.Value, nil
	case *ddbtypes.AttributeValueMemberBOOL:
		return v.Value, nil
	case *ddbtypes.AttributeValueMemberNULL:
		return nil, nil
	case *ddbtypes.AttributeValueMemberM:
		return Attributes(v.Value)
	case *ddbtypes.AttributeValueMemberL:
		out := make([]any, len(v.Value))
		for i, e := range v.Value {
			x, err := value(e)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	case *ddbtypes.AttributeValueMemberSS:
		return append([]string(nil), v.Value...), nil
	case *ddbtypes.AttributeValueMemberNS:
		out := make([]json.Number, len(v.Value))
		for i, n := range v.Value {
			out[i] = json.Number(n)
		}
		return out, nil
	case *ddbtypes.AttributeValueMemberBS:
		return append([][]byte(nil), v.Value...), nil
	default:
		return nil, fmt.Errorf("unsupported attribute type %T", av)
	}
}

// ParseItemJSON decodes one item in DynamoDB JSON, the format of export
// data files: {"pk":{"S":"1"},"price":{"N":"9.5"}}.
func ParseItemJSON(b []byte) (map[string]ddbtypes.AttributeValue, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]ddbtypes.AttributeValue, len(raw))
	for name, r := range raw {
		av, err := parseAttribute(r)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		out[name] = av
	}
	return out, nil
}

func parseAttribute(b []byte) (ddbtypes.AttributeValue, error) {
	var typed map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&typed); err != nil {
		return nil, err
	}
	if len(typed) != 1 {
		return nil, fmt.Errorf("expected one type descriptor, got %d", len(typed))
	}
	for tag, body := range typed {
		switch tag {
		case "S":
			var s string
			err := json.Unmarshal(body, &s)
			return &ddbtypes.AttributeValueMemberS{Value: s}, err
		case "N":
			var s string
			err := json.Unmarshal(body, &s)
			return &ddbtypes.AttributeValueMemberN{Value: s}, err
		case "B":
			bs, err := decodeBinary(body)
			return &ddbtypes.AttributeValueMemberB{Value: bs}, err
		case "BOOL":
			var v bool
			err := json.Unmarshal(body, &v)
			return &ddbtypes.AttributeValueMemberBOOL{Value: v}, err
		case "NULL":
			return &ddbtypes.AttributeValueMemberNULL{Value: true}, nil
		case "M":
			m, err := ParseItemJSON(body)
			return &ddbtypes.AttributeValueMemberM{Value: m}, err
		case "L":
			var elems []json.RawMessage
			if err := json.Unmarshal(body, &elems); err != nil {
				return nil, err
			}
			l := make([]ddbtypes.AttributeValue, len(elems))
			for i, e := range elems {
				av, err := parseAttribute(e)
				if err != nil {
					return nil, err
				}
				l[i] = av
			}
			return &ddbtypes.AttributeValueMemberL{Value: l}, nil
		case "SS":
			var ss []string
			err := json.Unmarshal(body, &ss)
			return &ddbtypes.AttributeValueMemberSS{Value: ss}, err
		case "NS":
			var ns []string
			err := json.Unmarshal(body, &ns)
			return &ddbtypes.AttributeValueMemberNS{Value: ns}, err
		case "BS":
			var encoded []string
			if err := json.Unmarshal(body, &encoded); err != nil {
				return nil, err
			}
			bs := make([][]byte, len(encoded))
			for i, e := range encoded {
				d, err := base64.StdEncoding.DecodeString(e)
				if err != nil {
					return nil, err
				}
				bs[i] = d
			}
			return &ddbtypes.AttributeValueMemberBS{Value: bs}, nil
		default:
			return nil, fmt.Errorf("unknown type descriptor %q", tag)
		}
	}
	return nil, nil
}

func decodeBinary(body []byte) ([]byte, error) {
	var s string
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(s)
}
