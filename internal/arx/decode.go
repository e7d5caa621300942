package arx

import (
	"encoding/json"
	"fmt"
)

// Older tenants published additionalData as a [{key,value}] array, and the
// array can sit at the request level, inside actionDetail, or inside
// summaryData. Decoding tries the current shape first and only then degrades
// to the legacy remapping, so schema drift stays isolated in one place.

// ErrUndecodable is returned when no decoder in the chain accepts a payload.
var ErrUndecodable = fmt.Errorf("payload matches no known request shape")

// Decoder names, reported by Decode so callers can log which shape matched.
const (
	ShapeCurrent        = "current"
	ShapeLegacyKeyValue = "legacy-keyvalue"
)

type decoder struct {
	shape string
	fn    func([]byte) (*ApprovalRequestExpression, error)
}

var decoders = []decoder{
	{ShapeCurrent, decodeCurrent},
	{ShapeLegacyKeyValue, decodeLegacyKeyValue},
}

// Decode runs the ordered decoder chain and returns the expression together
// with the name of the shape that matched.
func Decode(payload []byte) (*ApprovalRequestExpression, string, error) {
	var lastErr error
	for _, d := range decoders {
		expression, err := d.fn(payload)
		if err == nil {
			return expression, d.shape, nil
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("%w: %v", ErrUndecodable, lastErr)
}

func decodeCurrent(payload []byte) (*ApprovalRequestExpression, error) {
	var expression ApprovalRequestExpression
	if err := json.Unmarshal(payload, &expression); err != nil {
		return nil, fmt.Errorf("decode current shape: %w", err)
	}
	if expression.DocumentTypeID == "" {
		return nil, fmt.Errorf("decode current shape: missing documentTypeId")
	}
	return &expression, nil
}

// keyValue is one entry of a legacy additionalData array. Field matching is
// case-insensitive, so {"Key": ..., "Value": ...} payloads decode too.
type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func decodeLegacyKeyValue(payload []byte) (*ApprovalRequestExpression, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode legacy envelope: %w", err)
	}

	if err := normalizeAdditionalData(envelope); err != nil {
		return nil, err
	}
	for _, nested := range []string{"actionDetail", "summaryData"} {
		raw, ok := envelope[nested]
		if !ok || string(raw) == "null" {
			continue
		}
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decode legacy %s: %w", nested, err)
		}
		if err := normalizeAdditionalData(inner); err != nil {
			return nil, fmt.Errorf("normalize %s: %w", nested, err)
		}
		rewritten, err := json.Marshal(inner)
		if err != nil {
			return nil, fmt.Errorf("rewrite legacy %s: %w", nested, err)
		}
		envelope[nested] = rewritten
	}

	rewritten, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("rewrite legacy envelope: %w", err)
	}
	return decodeCurrent(rewritten)
}

// normalizeAdditionalData rewrites a legacy key/value array in place. A value
// already in map shape is left untouched.
func normalizeAdditionalData(object map[string]json.RawMessage) error {
	raw, ok := object["additionalData"]
	if !ok || string(raw) == "null" {
		return nil
	}

	var asMap map[string]string
	if err := json.Unmarshal(raw, &asMap); err == nil {
		return nil
	}

	var pairs []keyValue
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return fmt.Errorf("additionalData is neither map nor key/value array: %w", err)
	}

	normalized := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		normalized[pair.Key] = pair.Value
	}
	rewritten, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("marshal normalized additionalData: %w", err)
	}
	object["additionalData"] = rewritten
	return nil
}
