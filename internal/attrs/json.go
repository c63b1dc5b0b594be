package attrs

import (
	"fmt"

	"github.com/goccy/go-json"
)

// jsonAttribute is the persisted form of one attribute. Values are raw bytes,
// which encoding as []byte renders as base64.
type jsonAttribute struct {
	Name   string   `json:"name"`
	Values [][]byte `json:"values"`
}

// MarshalJSON encodes the bag as an ordered list so that attribute order
// survives a round trip through the reject queue.
func (b *Bag) MarshalJSON() ([]byte, error) {
	out := make([]jsonAttribute, 0, b.Len())
	b.Each(func(name string, values [][]byte) {
		out = append(out, jsonAttribute{Name: name, Values: values})
	})
	return json.Marshal(out)
}

// UnmarshalJSON decodes the ordered list written by MarshalJSON.
func (b *Bag) UnmarshalJSON(data []byte) error {
	var in []jsonAttribute
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode attribute bag: %w", err)
	}
	*b = *New()
	for _, attr := range in {
		b.Set(attr.Name, attr.Values...)
	}
	return nil
}
