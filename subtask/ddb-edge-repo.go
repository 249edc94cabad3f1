package subtask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"github.com/guregu/dynamo/v2"
)

// DdbEdgeRepo stores dependency edges in the shared table. Row edges
// are written twice, once under the dependent row and once mirrored
// under the prerequisite, so both directions are key lookups instead
// of scans.
type DdbEdgeRepo struct {
	logger *slog.Logger
	table  *dynamo.Table
}

func NewDdbEdgeRepo(logger *slog.Logger, ddbClient *dynamodb.Client, tableName string) *DdbEdgeRepo {
	db := dynamo.NewFromIface(ddbClient)
	table := db.Table(tableName)
	return &DdbEdgeRepo{
		logger: logger.With("module", "edge-ddb"),
		table:  &table,
	}
}

func evalDepPk(templateID string) string {
	return fmt.Sprintf("evaldep#%s", templateID)
}

func (r *DdbEdgeRepo) UpsertEvaluatorDeps(ctx context.Context, templateID string, deps []EvaluatorDependency) error {
	items := []interface{}{}
	for _, dep := range deps {
		prereqs := dep.DependsOn
		if len(prereqs) == 0 {
			prereqs = []string{""}
		}
		for _, prereq := range prereqs {
			items = append(items, evalDepItem{
				Pk:             evalDepPk(templateID),
				Sk:             fmt.Sprintf("%s#%s", dep.EvaluatorID, prereq),
				EvaluatorID:    dep.EvaluatorID,
				PrerequisiteID: prereq,
				Priority:       dep.Priority,
				EvaluatorType:  string(dep.Type),
			})
		}
	}
	_, err := r.table.Batch().Write().Put(items...).Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert evaluator dependencies: %w", err)
	}
	return nil
}

func (r *DdbEdgeRepo) GetEvaluatorDeps(ctx context.Context, templateID string) ([]EvaluatorDependency, error) {
	var items []evalDepItem
	err := r.table.Get("pk", evalDepPk(templateID)).All(ctx, &items)
	if err != nil {
		if errors.Is(err, dynamo.ErrNotFound) {
			return []EvaluatorDependency{}, nil
		}
		return nil, fmt.Errorf("failed to get evaluator dependencies: %w", err)
	}
	byEvaluator := make(map[string]*EvaluatorDependency)
	order := []string{}
	for _, item := range items {
		agg, ok := byEvaluator[item.EvaluatorID]
		if !ok {
			agg = &EvaluatorDependency{
				TemplateID:  templateID,
				EvaluatorID: item.EvaluatorID,
				Priority:    item.Priority,
				Type:        EvaluatorType(item.EvaluatorType),
			}
			byEvaluator[item.EvaluatorID] = agg
			order = append(order, item.EvaluatorID)
		}
		if item.PrerequisiteID != "" {
			agg.DependsOn = append(agg.DependsOn, item.PrerequisiteID)
		}
	}
	res := make([]EvaluatorDependency, 0, len(order))
	for _, id := range order {
		res = append(res, *byEvaluator[id])
	}
	return res, nil
}

func rowEdgePk(fromRowID uuid.UUID) string {
	return fmt.Sprintf("rowdep#%s", fromRowID)
}

func rowEdgeReversePk(toRowID uuid.UUID) string {
	return fmt.Sprintf("rowdepr#%s", toRowID)
}

func (r *DdbEdgeRepo) UpsertRowEdges(ctx context.Context, edges []RowEdge) error {
	items := []interface{}{}
	for _, edge := range edges {
		items = append(items, rowEdgeItem{
			Pk:        rowEdgePk(edge.FromRowID),
			Sk:        edge.ToRowID.String(),
			FromRowID: edge.FromRowID.String(),
			ToRowID:   edge.ToRowID.String(),
			Resolved:  edge.Resolved,
		}, rowEdgeItem{
			Pk:        rowEdgeReversePk(edge.ToRowID),
			Sk:        edge.FromRowID.String(),
			FromRowID: edge.FromRowID.String(),
			ToRowID:   edge.ToRowID.String(),
			Resolved:  edge.Resolved,
		})
	}
	_, err := r.table.Batch().Write().Put(items...).Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert row edges: %w", err)
	}
	return nil
}

func (r *DdbEdgeRepo) ListEdgesFrom(ctx context.Context, fromRowID uuid.UUID) ([]RowEdge, error) {
	return r.listEdges(ctx, rowEdgePk(fromRowID))
}

func (r *DdbEdgeRepo) ListEdgesTo(ctx context.Context, toRowID uuid.UUID) ([]RowEdge, error) {
	return r.listEdges(ctx, rowEdgeReversePk(toRowID))
}

func (r *DdbEdgeRepo) listEdges(ctx context.Context, pk string) ([]RowEdge, error) {
	var items []rowEdgeItem
	err := r.table.Get("pk", pk).All(ctx, &items)
	if err != nil {
		if errors.Is(err, dynamo.ErrNotFound) {
			return []RowEdge{}, nil
		}
		return nil, fmt.Errorf("failed to list row edges: %w", err)
	}
	edges := make([]RowEdge, 0, len(items))
	for _, item := range items {
		edge, err := item.toEdge()
		if err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, nil
}

func (r *DdbEdgeRepo) MarkResolved(ctx context.Context, fromRowID uuid.UUID, toRowID uuid.UUID) error {
	err := r.table.Update("pk", rowEdgePk(fromRowID)).
		Range("sk", toRowID.String()).
		Set("resolved", true).
		Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark edge resolved: %w", err)
	}
	err = r.table.Update("pk", rowEdgeReversePk(toRowID)).
		Range("sk", fromRowID.String()).
		Set("resolved", true).
		Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark reverse edge resolved: %w", err)
	}
	return nil
}
