package compose

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// composeDoc is the subset of the compose schema the engine cares about.
// Services are kept as a raw node so declaration order survives decoding.
type composeDoc struct {
	Services yaml.Node `yaml:"services"`
}

// serviceDecl is one declared service, pre-interpolation.
type serviceDecl struct {
	Name          string
	ContainerName string     `yaml:"container_name"`
	Image         string     `yaml:"image"`
	Command       stringList `yaml:"command"`
	Entrypoint    stringList `yaml:"entrypoint"`
	Ports         portList   `yaml:"ports"`
	Volumes       stringList `yaml:"volumes"`
	Environment   envMap     `yaml:"environment"`
	EnvFile       stringList `yaml:"env_file"`
}

// parseCompose decodes a compose document into services in declaration order.
func parseCompose(content []byte) ([]serviceDecl, error) {
	var doc composeDoc
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse compose: %w", err)
	}
	if doc.Services.Kind == 0 {
		return nil, nil
	}
	if doc.Services.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse compose: services is not a mapping")
	}

	decls := make([]serviceDecl, 0, len(doc.Services.Content)/2)
	for i := 0; i+1 < len(doc.Services.Content); i += 2 {
		keyNode, valNode := doc.Services.Content[i], doc.Services.Content[i+1]
		var decl serviceDecl
		if err := valNode.Decode(&decl); err != nil {
			return nil, fmt.Errorf("parse service %s: %w", keyNode.Value, err)
		}
		decl.Name = keyNode.Value
		decls = append(decls, decl)
	}
	return decls, nil
}

// stringList accepts either a scalar or a sequence of scalars.
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = []string{node.Value}
		return nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(node.Content))
		for _, c := range node.Content {
			out = append(out, c.Value)
		}
		*l = out
		return nil
	}
	return fmt.Errorf("expected scalar or sequence, got yaml kind %d", node.Kind)
}

// envMap accepts environment in either mapping form or KEY=VALUE list form.
// A list entry without '=' means "pass through", recorded as an empty value.
type envMap struct {
	Keys   []string
	Values map[string]string
}

func (m *envMap) UnmarshalYAML(node *yaml.Node) error {
	m.Values = map[string]string{}
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			k, v := node.Content[i].Value, node.Content[i+1].Value
			m.Keys = append(m.Keys, k)
			m.Values[k] = v
		}
		return nil
	case yaml.SequenceNode:
		for _, c := range node.Content {
			k, v, _ := strings.Cut(c.Value, "=")
			m.Keys = append(m.Keys, k)
			m.Values[k] = v
		}
		return nil
	}
	return fmt.Errorf("expected mapping or sequence for environment, got yaml kind %d", node.Kind)
}

// portList flattens both short-syntax scalars and long-syntax mappings into
// the short "published:target/protocol" form.
type portList []string

func (p *portList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("expected sequence for ports, got yaml kind %d", node.Kind)
	}
	out := make([]string, 0, len(node.Content))
	for _, c := range node.Content {
		switch c.Kind {
		case yaml.ScalarNode:
			out = append(out, c.Value)
		case yaml.MappingNode:
			var long struct {
				Target    int    `yaml:"target"`
				Published string `yaml:"published"`
				Protocol  string `yaml:"protocol"`
			}
			if err := c.Decode(&long); err != nil {
				return fmt.Errorf("parse port entry: %w", err)
			}
			s := fmt.Sprintf("%s:%d", long.Published, long.Target)
			if long.Published == "" {
				s = fmt.Sprintf("%d", long.Target)
			}
			if long.Protocol != "" && long.Protocol != "tcp" {
				s += "/" + long.Protocol
			}
			out = append(out, s)
		}
	}
	*p = out
	return nil
}
