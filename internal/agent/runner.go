package agent

import (
	"context"
	"fmt"
	"os"

	"github.com/mrzor/kvp-bridge/internal/envelope"
	"github.com/mrzor/kvp-bridge/internal/kvperr"
	"gopkg.in/yaml.v3"
)

// ReportFunc publishes the progress of a running configuration.
type ReportFunc func(ctx context.Context, data envelope.ProgressData) error

// ConfigureFunc applies a configuration document.
type ConfigureFunc func(ctx context.Context, document string, report ReportFunc) error

// WalkDocument is the default ConfigureFunc. It visits the top-level keys of
// the document in order and reports one progress step per key. Applying a
// step is left to the deployment; the walk only checks that every key has
// a value.
func WalkDocument(ctx context.Context, document string, report ReportFunc) error {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(document), &root); err != nil {
		return fmt.Errorf("%w: %v", kvperr.ErrInvalidArgument, err)
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("%w: configuration must be a YAML mapping", kvperr.ErrInvalidArgument)
	}

	mapping := root.Content[0]
	steps := len(mapping.Content) / 2
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		key, value := mapping.Content[2*i], mapping.Content[2*i+1]
		if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
			return fmt.Errorf("%w: step %q (line %d) has no value", kvperr.ErrInvalidArgument, key.Value, key.Line)
		}

		data := envelope.ProgressData{
			Percent: uint((i + 1) * 100 / steps),
			Step:    key.Value,
		}
		if err := report(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

// RunUserDir reports whether a login session exists, judged by per-user
// runtime directories under dir (usually /run/user).
func RunUserDir(dir string) func() bool {
	return func() bool {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e.IsDir() && e.Name() != "0" {
				return true
			}
		}
		return false
	}
}
