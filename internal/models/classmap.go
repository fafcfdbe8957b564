package models

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"dcmseg/pkg/errs"
)

// Background is the label value that is never exported as a contour.
const Background = 0

// Class names one label value of a segmentation volume.
type Class struct {
	Index int
	Name  string
}

// ClassMap is an ordered mapping from label value to structure name. The
// order decides ROI order in an exported RT-Struct.
type ClassMap []Class

// Validate rejects duplicate indices and empty names.
func (m ClassMap) Validate() error {
	seen := make(map[int]bool, len(m))
	for _, c := range m {
		if seen[c.Index] {
			return fmt.Errorf("%w: duplicate class index %d", errs.ErrInvalidInput, c.Index)
		}
		seen[c.Index] = true
		if c.Name == "" {
			return fmt.Errorf("%w: class %d has no name", errs.ErrInvalidInput, c.Index)
		}
	}
	return nil
}

// Name returns the name registered for index.
func (m ClassMap) Name(index int) (string, bool) {
	for _, c := range m {
		if c.Index == index {
			return c.Name, true
		}
	}
	return "", false
}

// LoadClassMap reads a YAML mapping of label value to name, e.g.
//
//	1: liver
//	2: spleen
//
// Document order is preserved.
func LoadClassMap(path string) (ClassMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading class map: %w", err)
	}
	return ParseClassMap(data)
}

// ParseClassMap parses the YAML form accepted by LoadClassMap.
func ParseClassMap(data []byte) (ClassMap, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error parsing class map: %w", err)
	}
	if len(doc.Content) == 0 {
		return ClassMap{}, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: class map must be a mapping of index to name", errs.ErrInvalidInput)
	}

	classes := make(ClassMap, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		idx, err := strconv.Atoi(key.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: class index %q (line %d) is not an integer", errs.ErrInvalidInput, key.Value, key.Line)
		}
		classes = append(classes, Class{Index: idx, Name: val.Value})
	}
	if err := classes.Validate(); err != nil {
		return nil, err
	}
	return classes, nil
}
