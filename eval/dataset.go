package eval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/algowizzzz/graphdb-agent-sec/planner"
)

// Dataset is a collection of test cases for evaluation.
type Dataset struct {
	Name  string     `json:"name" yaml:"name"`
	Tests []TestCase `json:"tests" yaml:"tests"`
}

// TestCase defines a single evaluation question.
type TestCase struct {
	Question string `json:"question" yaml:"question"`
	// ExpectedFacts should appear in the answer. A fact may list
	// pipe-separated alternatives ("$7.4 billion|7,396").
	ExpectedFacts []string `json:"expected_facts" yaml:"expected_facts"`
	// ExpectedPlan, when set, must match the plan the agent chose.
	ExpectedPlan planner.Kind `json:"expected_plan,omitempty" yaml:"expected_plan,omitempty"`
	Category     string       `json:"category,omitempty" yaml:"category,omitempty"`
}

// LoadDataset reads a dataset from a YAML or JSON file.
func LoadDataset(path string) (Dataset, error) {
	var ds Dataset
	data, err := os.ReadFile(path)
	if err != nil {
		return ds, fmt.Errorf("reading dataset: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &ds)
	} else {
		err = yaml.Unmarshal(data, &ds)
	}
	if err != nil {
		return ds, fmt.Errorf("parsing dataset %s: %w", path, err)
	}
	if ds.Name == "" {
		ds.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if len(ds.Tests) == 0 {
		return ds, errors.New("dataset has no tests")
	}
	for i, tc := range ds.Tests {
		if strings.TrimSpace(tc.Question) == "" {
			return ds, fmt.Errorf("test %d has no question", i+1)
		}
	}
	return ds, nil
}
