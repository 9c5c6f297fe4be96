package transform

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/mehmetymw/ddb2search/internal/types"
)

// KeySeparator joins partition and sort key values in a document id. Inside
// a composite id, backslashes and separators in either value are escaped
// with a backslash.
const KeySeparator = "|"

var keyEscaper = strings.NewReplacer(`\`, `\\`, KeySeparator, `\`+KeySeparator)

type Transformer struct {
	index string
}

func New(index string) *Transformer {
	return &Transformer{index: index}
}

func (t *Transformer) Index() string { return t.index }

// Transform maps a source item and its change kind onto the document the
// sink should write. It performs no I/O.
func (t *Transformer) Transform(item types.SourceItem, kind types.ChangeKind, version types.Version) (types.IndexDocument, error) {
	if !kind.Valid() {
		return types.IndexDocument{}, types.Invalid("unknown change kind %q", kind)
	}
	if version < 0 {
		return types.IndexDocument{}, types.Invalid("negative version %d", version)
	}
	id, err := DocumentID(item.Key)
	if err != nil {
		return types.IndexDocument{}, err
	}
	doc := types.IndexDocument{
		ID:      id,
		Index:   t.index,
		Version: version,
		Action:  types.ActionIndex,
	}
	if kind == types.Remove {
		doc.Action = types.ActionDelete
		return doc, nil
	}
	doc.Payload = item.Attributes
	if doc.Payload == nil {
		doc.Payload = map[string]any{}
	}
	return doc, nil
}

func DocumentID(k types.Key) (string, error) {
	if k.IsZero() {
		return "", types.Invalid("item has no partition key")
	}
	if k.Sort == "" {
		return k.Partition, nil
	}
	return keyEscaper.Replace(k.Partition) + KeySeparator + keyEscaper.Replace(k.Sort), nil
}

// KeyOf extracts the primary key from item attributes.
func KeyOf(attrs map[string]any, partition, sort string) (types.Key, error) {
	pv, ok := attrs[partition]
	if !ok || pv == nil {
		return types.Key{}, types.Invalid("missing partition key attribute %q", partition)
	}
	k := types.Key{Partition: KeyString(pv)}
	if sort != "" {
		sv, ok := attrs[sort]
		if !ok || sv == nil {
			return types.Key{}, types.Invalid("missing sort key attribute %q", sort)
		}
		k.Sort = KeyString(sv)
	}
	return k, nil
}

// KeyString renders a key attribute canonically so that the same key
// yields the same id from every path: numbers use their shortest decimal
// form and binary keys their raw bytes.
func KeyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case *big.Float:
		return t.Text('f', -1)
	case fmt.Stringer:
		return canonicalNumber(t.String())
	default:
		return fmt.Sprintf("%v", v)
	}
}

func canonicalNumber(s string) string {
	f, ok := new(big.Float).SetPrec(256).SetString(s)
	if !ok {
		return s
	}
	return f.Text('f', -1)
}
