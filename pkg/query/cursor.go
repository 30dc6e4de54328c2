package query

import (
	"encoding/base64"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/quiverdb/quiver/pkg/errors"
)

// encodeCursor packs a LastEvaluatedKey into the opaque continuation token
// spec.md §4.9's startKey/lastEvaluatedKey contract calls for. Every
// physical key attribute quiver ever writes is a keycodec-encoded string
// (EncodeForIndexKey always returns a string), so unlike a general-purpose
// DynamoDB cursor this only ever needs to round-trip string attributes.
func encodeCursor(lastKey map[string]types.AttributeValue) (string, error) {
	if len(lastKey) == 0 {
		return "", nil
	}
	plain := make(map[string]string, len(lastKey))
	for k, v := range lastKey {
		s, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			return "", &errors.DataFormatError{Data: k, Expected: "a string-valued key attribute"}
		}
		plain[k] = s.Value
	}
	data, err := json.Marshal(plain)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// decodeCursor is encodeCursor's inverse. An empty token decodes to a nil
// key, meaning "start from the beginning".
func decodeCursor(token string) (map[string]types.AttributeValue, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, &errors.DataFormatError{Data: token, Expected: "a valid continuation token"}
	}
	var plain map[string]string
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, &errors.DataFormatError{Data: token, Expected: "a valid continuation token"}
	}
	out := make(map[string]types.AttributeValue, len(plain))
	for k, v := range plain {
		out[k] = &types.AttributeValueMemberS{Value: v}
	}
	return out, nil
}
