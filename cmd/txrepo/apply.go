package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"txrepo/internal/core"
	"txrepo/pkg/domain"
)

// Operation is one entry of a batch file. Changes stays untyped so a missing
// or malformed value is rejected by domain.ParseChanges.
type Operation struct {
	Op      string         `yaml:"op"      json:"op"`
	Model   string         `yaml:"model"   json:"model"`
	Data    map[string]any `yaml:"data"    json:"data,omitempty"`
	Where   map[string]any `yaml:"where"   json:"where,omitempty"`
	Changes any            `yaml:"changes" json:"changes,omitempty"`
}

// Batch is the document accepted by apply. JSON documents parse as YAML.
type Batch struct {
	Operations []Operation `yaml:"operations" json:"operations"`
}

type applyOutput struct {
	TransactionID string `json:"transaction_id"`
	Executed      int    `json:"executed"`
}

func newApplyCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <batch.yaml|batch.json>",
		Short: "Apply every operation of a batch file in one transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := readBatch(args[0])
			if err != nil {
				return err
			}
			rt, err := openSession(cmd, flags)
			if err != nil {
				return err
			}
			defer rt.Close()
			res, err := applyBatch(rt, batch)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(applyOutput{TransactionID: res.TransactionID, Executed: res.Executed})
		},
	}
}

func readBatch(path string) (*Batch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch %s: %w", path, err)
	}
	var batch Batch
	if err := yaml.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("parse batch %s: %w", path, err)
	}
	if len(batch.Operations) == 0 {
		return nil, errors.New("batch has no operations")
	}
	for i := range batch.Operations {
		op := &batch.Operations[i]
		op.Data = normalizeMap(op.Data)
		op.Where = normalizeMap(op.Where)
		op.Changes = normalize(op.Changes)
	}
	return &batch, nil
}

// normalize rewrites the unsigned integers produced by the YAML decoder as
// int64 so SQL drivers bind them like any other integer.
func normalize(v any) any {
	switch t := v.(type) {
	case uint64:
		if t <= math.MaxInt64 {
			return int64(t)
		}
		return t
	case map[string]any:
		return normalizeMap(t)
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalize(v)
	}
	return m
}

func applyBatch(rt *session, batch *Batch) (core.Result, error) {
	metrics, err := core.NewMetricsRecorder(rt.cfg, nil)
	if err != nil {
		return core.Result{}, err
	}
	opts, err := core.UnitOfWorkOptions(rt.ctx, rt.cfg, metrics)
	if err != nil {
		return core.Result{}, err
	}
	uow := core.NewUnitOfWork(rt.store, opts...)
	for i, op := range batch.Operations {
		if err := enqueue(rt, uow, op); err != nil {
			return core.Result{}, fmt.Errorf("operation %d (%s %s): %w", i+1, op.Op, op.Model, err)
		}
	}
	res, err := uow.Commit(rt.ctx)
	if err != nil {
		return res, err
	}
	rt.log.Info("batch applied", "transaction_id", res.TransactionID, "executed", res.Executed)
	return res, nil
}

func enqueue(rt *session, uow *core.UnitOfWork, op Operation) error {
	repo, err := uow.Repository(op.Model)
	if err != nil {
		return err
	}
	switch op.Op {
	case "create":
		return repo.Create(domain.Entity(op.Data))
	case "update_one":
		changes, err := domain.ParseChanges(op.Changes)
		if err != nil {
			return err
		}
		return repo.UpdateOne(rt.ctx, domain.Where(op.Where), changes)
	case "update_where":
		set, ok := op.Changes.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: update_where needs a changes map", domain.ErrInvalidChanges)
		}
		return repo.UpdateWhere(domain.Where(op.Where), domain.ChangeSet(set))
	case "remove":
		return repo.Remove(domain.Where(op.Where))
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}
