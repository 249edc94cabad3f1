package subtask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/guregu/dynamo/v2"
)

// DdbRowRepo stores subtask rows in a DynamoDB table. Plain reads and
// writes go through guregu/dynamo; the compare-and-set status
// transition uses the raw client with a condition expression.
type DdbRowRepo struct {
	logger    *slog.Logger
	ddbClient *dynamodb.Client
	tableName string
	table     *dynamo.Table
}

func NewDdbRowRepo(logger *slog.Logger, ddbClient *dynamodb.Client, tableName string) *DdbRowRepo {
	db := dynamo.NewFromIface(ddbClient)
	table := db.Table(tableName)
	return &DdbRowRepo{
		logger:    logger.With("module", "subtask-ddb"),
		ddbClient: ddbClient,
		tableName: tableName,
		table:     &table,
	}
}

func (r *DdbRowRepo) Save(ctx context.Context, row Row) error {
	item := rowToItem(row)
	item.Version = time.Now().UnixNano()
	err := r.table.Put(item).Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to put subtask row: %w", err)
	}
	return nil
}

func (r *DdbRowRepo) Get(ctx context.Context, id uuid.UUID) (Row, error) {
	var item rowItem
	err := r.table.Get("pk", rowPk(id)).Range("sk", dynamo.Equal, sortKeyDetails).One(ctx, &item)
	if err != nil {
		if errors.Is(err, dynamo.ErrNotFound) {
			return Row{}, ErrRowNotFound()
		}
		return Row{}, fmt.Errorf("failed to get subtask row: %w", err)
	}
	return itemToRow(item)
}

func (r *DdbRowRepo) List(ctx context.Context, filter RowFilter) ([]Row, error) {
	scan := r.table.Scan().Filter("begins_with($, ?)", "pk", "row#")
	if filter.TaskID != nil {
		scan = scan.Filter("$ = ?", "task_id", *filter.TaskID)
	}
	if filter.TestCaseID != nil {
		scan = scan.Filter("$ = ?", "test_case_id", *filter.TestCaseID)
	}
	if filter.ModelID != nil {
		scan = scan.Filter("$ = ?", "model_id", *filter.ModelID)
	}
	if filter.DimensionID != nil {
		scan = scan.Filter("$ = ?", "dimension_id", *filter.DimensionID)
	}
	if filter.RepetitionIndex != nil {
		scan = scan.Filter("$ = ?", "repetition_index", *filter.RepetitionIndex)
	}
	if filter.Status != nil {
		scan = scan.Filter("$ = ?", "row_status", string(*filter.Status))
	}
	if filter.DependenciesResolved != nil {
		scan = scan.Filter("$ = ?", "dependencies_resolved", *filter.DependenciesResolved)
	}
	var items []rowItem
	err := scan.All(ctx, &items)
	if err != nil {
		return nil, fmt.Errorf("failed to scan subtask rows: %w", err)
	}
	rows := make([]Row, 0, len(items))
	for _, item := range items {
		row, err := itemToRow(item)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (r *DdbRowRepo) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]Row, error) {
	if len(ids) == 0 {
		return []Row{}, nil
	}
	keys := make([]dynamo.Keyed, len(ids))
	for i, id := range ids {
		keys[i] = dynamo.Keys{rowPk(id), sortKeyDetails}
	}
	var items []rowItem
	err := r.table.Batch("pk", "sk").Get(keys...).All(ctx, &items)
	if err != nil && !errors.Is(err, dynamo.ErrNotFound) {
		return nil, fmt.Errorf("failed to batch get subtask rows: %w", err)
	}
	rows := make([]Row, 0, len(items))
	for _, item := range items {
		row, err := itemToRow(item)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// TransitionStatus writes the row conditionally on the stored status
// still matching the expected pre-state. Losing the race returns
// ErrStatusConflict with the actual status attached for debugging.
func (r *DdbRowRepo) TransitionStatus(ctx context.Context, from Status, row Row) error {
	item := rowToItem(row)
	item.Version = time.Now().UnixNano()
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal subtask row: %w", err)
	}

	cond := expression.Name("row_status").Equal(expression.Value(string(from)))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build condition expression: %w", err)
	}

	_, err = r.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(r.tableName),
		Item:                      av,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			actual, getErr := r.Get(ctx, row.ID)
			if getErr != nil {
				return ErrStatusConflict(from, "unknown")
			}
			return ErrStatusConflict(from, actual.Status)
		}
		return fmt.Errorf("failed to transition subtask row status: %w", err)
	}
	return nil
}

// SetDependenciesResolved flips the monotonic dependency flag. It never
// flips the flag back and is safe to call redundantly.
func (r *DdbRowRepo) SetDependenciesResolved(ctx context.Context, id uuid.UUID) error {
	upd := expression.Set(
		expression.Name("dependencies_resolved"),
		expression.Value(true),
	)
	cond := expression.AttributeExists(expression.Name("pk"))
	expr, err := expression.NewBuilder().WithUpdate(upd).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build update expression: %w", err)
	}

	key, err := attributevalue.MarshalMap(map[string]string{
		"pk": rowPk(id),
		"sk": sortKeyDetails,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}

	_, err = r.ddbClient.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrRowNotFound()
		}
		return fmt.Errorf("failed to set dependencies_resolved: %w", err)
	}
	return nil
}
