package pipeline

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/teranos/relay/errors"
)

// StringList decodes either a single string or a list of strings
type StringList []string

// UnmarshalJSON implements json.Unmarshaler
func (s *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = fromSingle(single)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("dependsOn must be a string or a list of strings")
	}
	*s = list
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*s = fromSingle(node.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return errors.Wrap(err, "dependsOn")
		}
		*s = list
		return nil
	}
	return errors.Newf("line %d: dependsOn must be a string or a list of strings", node.Line)
}

// UnmarshalTOML implements toml.Unmarshaler
func (s *StringList) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case string:
		*s = fromSingle(val)
		return nil
	case []any:
		list := make([]string, 0, len(val))
		for _, item := range val {
			str, ok := item.(string)
			if !ok {
				return errors.New("dependsOn must be a string or a list of strings")
			}
			list = append(list, str)
		}
		*s = list
		return nil
	}
	return errors.New("dependsOn must be a string or a list of strings")
}

func fromSingle(s string) StringList {
	if s == "" {
		return nil
	}
	return StringList{s}
}
