package artifact

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("artifact: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
)

// FrontMatter is the optional machine-readable block a collaborator may put
// at the top of a stage document. When present it takes precedence over
// the markdown body.
type FrontMatter struct {
	Artifact  string            `yaml:"artifact,omitempty"`
	Datasets  []DatasetSpec     `yaml:"datasets,omitempty"`
	Variables []string          `yaml:"variables,omitempty"`
	Notes     map[string]string `yaml:"notes,omitempty"`
}

// DatasetSpec describes one dataset inside frontmatter.
type DatasetSpec struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns,omitempty"`
}

type envelope struct {
	AutoScience FrontMatter `yaml:"autoscience"`
}

// ParseFrontMatter extracts the metadata block and body from a document that
// starts with `---` YAML fences. Without a fence it returns
// ErrMissingFrontMatter and the whole document as the body.
func ParseFrontMatter(content []byte) (FrontMatter, []byte, error) {
	normalized := normalizeNewlines(content)
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return FrontMatter{}, normalized, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	var metaBytes, body []byte
	if bytes.HasPrefix(rest, []byte("---\n")) {
		body = rest[4:]
	} else {
		parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
		if len(parts) < 2 {
			return FrontMatter{}, nil, ErrMalformedFrontMatter
		}
		metaBytes, body = parts[0], parts[1]
	}
	var env envelope
	if err := yaml.Unmarshal(metaBytes, &env); err != nil {
		return FrontMatter{}, nil, fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}
	return env.AutoScience, body, nil
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
