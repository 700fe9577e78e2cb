package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"txrepo/pkg/domain"
)

func newFindCommand(flags *rootFlags) *cobra.Command {
	var (
		model  string
		where  []string
		format string
	)
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Print the entities of a model matching every --where filter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := parseWhere(where)
			if err != nil {
				return err
			}
			rt, err := openSession(cmd, flags)
			if err != nil {
				return err
			}
			defer rt.Close()
			rows, err := rt.store.FindWhere(rt.ctx, model, filter)
			if err != nil {
				return err
			}
			if rows == nil {
				rows = []domain.Entity{}
			}
			out := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			case "yaml":
				data, err := yaml.Marshal(rows)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model to query")
	cmd.Flags().StringArrayVar(&where, "where", nil, "equality filter field=value, repeatable")
	cmd.Flags().StringVar(&format, "format", "json", "output format (json|yaml)")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

// parseWhere turns field=value pairs into a Where. Values are read as YAML
// scalars so numbers and booleans compare by value.
func parseWhere(pairs []string) (domain.Where, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	where := make(domain.Where, len(pairs))
	for _, pair := range pairs {
		field, raw, ok := strings.Cut(pair, "=")
		if !ok || field == "" {
			return nil, errors.New("where filters must look like field=value")
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		if _, composite := value.(map[string]any); composite {
			value = raw
		}
		if _, composite := value.([]any); composite {
			value = raw
		}
		where[field] = normalize(value)
	}
	return where, nil
}
