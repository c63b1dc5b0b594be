package config

import (
	"reflect"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

const redacted = "********"

// YAML renders the effective configuration with the keys it is read with.
// Secrets are redacted and durations use their string form.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(toNode(reflect.ValueOf(*c)))
}

// toNode converts v to YAML following mapstructure tags, so the output can
// be fed back as a profile.
func toNode(v reflect.Value) *yaml.Node {
	if v.Type() == reflect.TypeOf(time.Duration(0)) {
		return scalar(time.Duration(v.Int()).String(), "!!str")
	}

	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return scalar("null", "!!null")
		}
		return toNode(v.Elem())

	case reflect.Struct:
		node := &yaml.Node{Kind: yaml.MappingNode}
		t := v.Type()
		for i := range t.NumField() {
			f := t.Field(i)
			name := f.Tag.Get("mapstructure")
			if name == "" || name == "-" {
				continue
			}
			value := toNode(v.Field(i))
			if f.Tag.Get("secret") == "true" && !v.Field(i).IsZero() {
				value = scalar(redacted, "!!str")
			}
			node.Content = append(node.Content, scalar(name, "!!str"), value)
		}
		return node

	case reflect.Map:
		node := &yaml.Node{Kind: yaml.MappingNode}
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, k := range keys {
			node.Content = append(node.Content, scalar(k.String(), "!!str"), toNode(v.MapIndex(k)))
		}
		return node

	case reflect.Slice:
		node := &yaml.Node{Kind: yaml.SequenceNode}
		for i := range v.Len() {
			node.Content = append(node.Content, toNode(v.Index(i)))
		}
		return node
	}

	var out yaml.Node
	if err := out.Encode(v.Interface()); err != nil {
		return scalar("", "!!str")
	}
	return &out
}

func scalar(value, tag string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
}
