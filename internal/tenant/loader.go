package tenant

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// LoadFromDirectory discovers and parses every tenant policy file in dirPath.
func LoadFromDirectory(dirPath string) ([]PolicyWithFile, []ValidationError) {
	var policies []PolicyWithFile
	var errors []ValidationError

	files, err := discoverYAMLFiles(dirPath)
	if err != nil {
		errors = append(errors, ValidationError{
			File:    dirPath,
			Message: fmt.Sprintf("failed to read directory: %v", err),
		})
		return nil, errors
	}

	for _, file := range files {
		pwf, err := parseYAMLFile(file)
		if err != nil {
			errors = append(errors, ValidationError{
				File:    file,
				Message: fmt.Sprintf("failed to parse YAML: %v", err),
			})
			continue
		}
		policies = append(policies, *pwf)
	}

	return policies, errors
}

// discoverYAMLFiles finds all *.yaml and *.yml files under dirPath, sorted.
func discoverYAMLFiles(dirPath string) ([]string, error) {
	var files []string

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})

	sort.Strings(files)
	return files, err
}

func parseYAMLFile(filePath string) (*PolicyWithFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return ParsePolicy(filePath, data)
}

// ParsePolicy decodes a policy document, keeping the raw form for schema checks.
func ParsePolicy(name string, data []byte) (*PolicyWithFile, error) {
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, err
	}

	var document any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, err
	}

	return &PolicyWithFile{Policy: &policy, File: name, Document: document}, nil
}
