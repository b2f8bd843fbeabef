// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package annotation

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"strings"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"

	"github.com/otaimage/otaimage/lib/imgerr"
)

// Annotations maps annotation keys to values.
type Annotations map[string]string

// Load reads a YAML mapping of annotations. Scalar values of any type
// are kept as their YAML text; nested values are rejected.
func Load(path string) (Annotations, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, imgerr.NotFound("annotations file %s not found", path)
		}
		return nil, imgerr.IO("reading %s: %w", path, err)
	}
	annotations, err := Parse(data)
	if err != nil {
		return nil, imgerr.Validation("%s: %w", path, err)
	}
	return annotations, nil
}

// Parse decodes a YAML annotation mapping.
func Parse(data []byte) (Annotations, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("expecting a plain key/value mapping: %w", err)
	}
	annotations := make(Annotations, len(raw))
	for key, node := range raw {
		if node.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("annotation %q: value must be a scalar", key)
		}
		annotations[key] = node.Value
	}
	return annotations, nil
}

// Write stores annotations as YAML with sorted keys.
func Write(path string, annotations Annotations) error {
	data, err := Encode(annotations)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return imgerr.IO("writing %s: %w", path, err)
	}
	return nil
}

// Encode renders annotations as YAML with sorted keys.
func Encode(annotations Annotations) ([]byte, error) {
	var buffer bytes.Buffer
	encoder := yaml.NewEncoder(&buffer)
	encoder.SetIndent(2)
	if err := encoder.Encode(map[string]string(annotations)); err != nil {
		return nil, fmt.Errorf("encoding annotations: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("encoding annotations: %w", err)
	}
	return buffer.Bytes(), nil
}

// BuildRequest describes a build-annotation run. Pairs are "key=value".
type BuildRequest struct {
	Base       Annotations
	User       []string
	AddOr      []string
	AddReplace []string
}

// Build merges the request onto a copy of Base. User annotations and
// --add-or pairs fill in missing keys only; --add-replace pairs
// override. Malformed pairs and unknown keys are logged and ignored.
func Build(request BuildRequest, logger *slog.Logger) Annotations {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	result := maps.Clone(request.Base)
	if result == nil {
		result = make(Annotations)
	}
	if len(request.User) == 0 && len(request.AddOr) == 0 && len(request.AddReplace) == 0 {
		logger.Warn("no annotations to add")
	}

	for key, value := range parsePairs(request.User, UserAllowed, logger) {
		if _, exists := result[key]; !exists {
			result[key] = value
		}
	}
	for key, value := range parsePairs(request.AddOr, Known, logger) {
		if _, exists := result[key]; !exists {
			result[key] = value
		}
	}
	maps.Copy(result, parsePairs(request.AddReplace, Known, logger))
	return result
}

func parsePairs(pairs []string, allowed func(string) bool, logger *slog.Logger) Annotations {
	parsed := make(Annotations, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			logger.Info("ignoring malformed annotation pair", "pair", pair)
			continue
		}
		if !allowed(key) {
			logger.Info("ignoring annotation key", "key", key)
			continue
		}
		parsed[key] = value
	}
	return parsed
}
