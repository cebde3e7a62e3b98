package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func requireExactlyArgs(count int, message string) cobra.PositionalArgs {
	return requireArgsBetween(count, count, message)
}

func requireArgsBetween(min, max int, message string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) < min || len(args) > max {
			return errors.New(message)
		}
		return nil
	}
}

// requireRecord checks the leading <kind> <id> pair.
func requireRecord(max int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := requireArgsBetween(2, max, "kind and id are required")(cmd, args); err != nil {
			return err
		}
		return validateSegments(args[:min(len(args), 3)], "kind", "id", "slot")
	}
}

// requireRecordAndSlot checks <kind> <id> <slot> followed by any number of paths.
func requireRecordAndSlot(_ *cobra.Command, args []string) error {
	if len(args) < 3 {
		return errors.New("kind, id and slot are required")
	}
	return validateSegments(args[:3], "kind", "id", "slot")
}

// requireSlotOnly checks exactly <kind> <id> <slot>.
func requireSlotOnly(cmd *cobra.Command, args []string) error {
	if len(args) != 3 {
		return errors.New("kind, id and slot are required")
	}
	return requireRecordAndSlot(cmd, args)
}

// validateSegments rejects values that cannot be a single store key segment.
func validateSegments(values []string, names ...string) error {
	for i, v := range values {
		if v == "" || v == "." || v == ".." || strings.ContainsAny(v, `/\`) {
			return fmt.Errorf("invalid %s %q: must be a single path segment", names[i], v)
		}
	}
	return nil
}
