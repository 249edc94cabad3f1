package subtask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/guregu/dynamo/v2"
)

// DdbCatalog reads evaluator, dimension, test case and template items
// from the shared table. These tables are maintained by admin tooling
// outside this service.
type DdbCatalog struct {
	logger *slog.Logger
	table  *dynamo.Table
}

func NewDdbCatalog(logger *slog.Logger, ddbClient *dynamodb.Client, tableName string) *DdbCatalog {
	db := dynamo.NewFromIface(ddbClient)
	table := db.Table(tableName)
	return &DdbCatalog{
		logger: logger.With("module", "catalog-ddb"),
		table:  &table,
	}
}

func (c *DdbCatalog) Evaluator(ctx context.Context, id string) (Evaluator, error) {
	var item evaluatorItem
	err := c.table.Get("pk", fmt.Sprintf("evaluator#%s", id)).
		Range("sk", dynamo.Equal, sortKeyDetails).One(ctx, &item)
	if err != nil {
		if errors.Is(err, dynamo.ErrNotFound) {
			return Evaluator{}, ErrEvaluatorNotFound()
		}
		return Evaluator{}, fmt.Errorf("failed to get evaluator: %w", err)
	}
	return Evaluator{
		ID:   id,
		Type: EvaluatorType(item.EvaluatorType),
		Config: EvaluatorConfig{
			ModelID:        item.ModelID,
			PromptTemplate: item.PromptTemplate,
			Pattern:        item.Pattern,
			Language:       item.Language,
			Params:         item.Params,
		},
	}, nil
}

func (c *DdbCatalog) Dimension(ctx context.Context, id string) (Dimension, error) {
	var item dimensionItem
	err := c.table.Get("pk", fmt.Sprintf("dimension#%s", id)).
		Range("sk", dynamo.Equal, sortKeyDetails).One(ctx, &item)
	if err != nil {
		if errors.Is(err, dynamo.ErrNotFound) {
			return Dimension{}, ErrDimensionNotFound()
		}
		return Dimension{}, fmt.Errorf("failed to get dimension: %w", err)
	}
	return Dimension{
		ID:                 id,
		Name:               item.Name,
		DefaultEvaluatorID: item.DefaultEvaluatorID,
	}, nil
}

func (c *DdbCatalog) TestCases(ctx context.Context, ids []string) (map[string]TestCase, error) {
	if len(ids) == 0 {
		return map[string]TestCase{}, nil
	}
	keys := make([]dynamo.Keyed, len(ids))
	for i, id := range ids {
		keys[i] = dynamo.Keys{fmt.Sprintf("test#%s", id), sortKeyDetails}
	}
	var items []testCaseItem
	err := c.table.Batch("pk", "sk").Get(keys...).All(ctx, &items)
	if err != nil && !errors.Is(err, dynamo.ErrNotFound) {
		return nil, fmt.Errorf("failed to batch get test cases: %w", err)
	}
	res := make(map[string]TestCase, len(items))
	for _, item := range items {
		id := item.Pk[len("test#"):]
		res[id] = TestCase{
			ID:              id,
			Input:           item.Input,
			ReferenceAnswer: item.ReferenceAnswer,
			MaxScore:        item.MaxScore,
		}
	}
	for _, id := range ids {
		if _, ok := res[id]; !ok {
			return nil, ErrTestCaseNotFound()
		}
	}
	return res, nil
}

func (c *DdbCatalog) TemplateBindings(ctx context.Context, templateID string) ([]TemplateBinding, error) {
	var items []templateBindingItem
	err := c.table.Get("pk", fmt.Sprintf("template#%s", templateID)).All(ctx, &items)
	if err != nil {
		if errors.Is(err, dynamo.ErrNotFound) {
			return []TemplateBinding{}, nil
		}
		return nil, fmt.Errorf("failed to get template bindings: %w", err)
	}
	res := make([]TemplateBinding, 0, len(items))
	for _, item := range items {
		res = append(res, TemplateBinding{
			TemplateID:  templateID,
			DimensionID: item.DimensionID,
			EvaluatorID: item.EvaluatorID,
		})
	}
	return res, nil
}
