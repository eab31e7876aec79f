package core

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParsePipeline parses YAML content into a Pipeline object.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var pipeline Pipeline
	if err := yaml.Unmarshal(data, &pipeline); err != nil {
		return nil, errors.Wrap(err, "parse pipeline")
	}
	return &pipeline, nil
}

// LoadPipeline reads a pipeline file and returns a Pipeline object.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read pipeline")
	}
	return ParsePipeline(data)
}
