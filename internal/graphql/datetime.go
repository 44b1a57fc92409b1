package graphql

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateTime is an RFC 3339 timestamp scalar.
type DateTime struct {
	time.Time
}

// ImplementsGraphQLType marks DateTime as the implementation of the
// "DateTime" scalar in the schema.
func (DateTime) ImplementsGraphQLType(name string) bool {
	return name == "DateTime"
}

// UnmarshalGraphQL decodes a query literal or variable into a DateTime.
func (t *DateTime) UnmarshalGraphQL(input interface{}) error {
	switch input := input.(type) {
	case time.Time:
		t.Time = input
		return nil
	case string:
		parsed, err := time.Parse(time.RFC3339, input)
		if err != nil {
			return fmt.Errorf("invalid DateTime %q: %w", input, err)
		}
		t.Time = parsed
		return nil
	default:
		return fmt.Errorf("wrong type for DateTime: %T", input)
	}
}

func (t DateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time)
}
