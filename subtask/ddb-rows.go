package subtask

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Single-table layout. Item kinds are distinguished by key prefixes:
//
//	row#<uuid>            / details           subtask row
//	evaldep#<template>    / <eval>#<prereq>   evaluator dependency pair
//	rowdep#<from>         / <to>              row edge
//	rowdepr#<to>          / <from>            reverse row edge mirror
//	evaluator#<id>        / details
//	dimension#<id>        / details
//	test#<id>             / details
//	template#<id>         / <dimension>#<evaluator>
const (
	sortKeyDetails = "details"
)

type rowItem struct {
	Pk string `dynamo:"pk,hash"`
	Sk string `dynamo:"sk,range"` // details

	TaskID          string `dynamo:"task_id"`
	TestCaseID      string `dynamo:"test_case_id"`
	ModelID         string `dynamo:"model_id"`
	DimensionID     string `dynamo:"dimension_id"`
	EvaluatorID     string `dynamo:"evaluator_id"`
	RepetitionIndex int    `dynamo:"repetition_index"`

	RowStatus            string            `dynamo:"row_status"`
	Score                *float64          `dynamo:"score"`
	RawResponse          *string           `dynamo:"raw_response"`
	Justification        *string           `dynamo:"justification"`
	Reasoning            *string           `dynamo:"reasoning"`
	ErrorMessage         *string           `dynamo:"error_message"`
	DependenciesResolved bool              `dynamo:"dependencies_resolved"`
	Metadata             map[string]string `dynamo:"metadata,omitempty"`

	CreatedAtRfc3339   string  `dynamo:"created_at_rfc3339_utc"`
	StartedAtRfc3339   *string `dynamo:"started_at_rfc3339_utc"`
	CompletedAtRfc3339 *string `dynamo:"completed_at_rfc3339_utc"`

	Version int64 `dynamo:"version"` // for optimistic locking
}

func rowPk(id uuid.UUID) string {
	return fmt.Sprintf("row#%s", id)
}

func rowToItem(r Row) rowItem {
	item := rowItem{
		Pk:                   rowPk(r.ID),
		Sk:                   sortKeyDetails,
		TaskID:               r.TaskID,
		TestCaseID:           r.TestCaseID,
		ModelID:              r.ModelID,
		DimensionID:          r.DimensionID,
		EvaluatorID:          r.EvaluatorID,
		RepetitionIndex:      r.RepetitionIndex,
		RowStatus:            string(r.Status),
		Score:                r.Score,
		RawResponse:          r.RawResponse,
		Justification:        r.Justification,
		Reasoning:            r.Reasoning,
		ErrorMessage:         r.ErrorMessage,
		DependenciesResolved: r.DependenciesResolved,
		Metadata:             r.Metadata,
		CreatedAtRfc3339:     r.CreatedAt.UTC().Format(time.RFC3339),
	}
	if r.StartedAt != nil {
		s := r.StartedAt.UTC().Format(time.RFC3339)
		item.StartedAtRfc3339 = &s
	}
	if r.CompletedAt != nil {
		s := r.CompletedAt.UTC().Format(time.RFC3339)
		item.CompletedAtRfc3339 = &s
	}
	return item
}

func itemToRow(item rowItem) (Row, error) {
	id, err := uuid.Parse(item.Pk[len("row#"):])
	if err != nil {
		return Row{}, fmt.Errorf("failed to parse row uuid from pk %q: %w", item.Pk, err)
	}
	row := Row{
		ID:                   id,
		TaskID:               item.TaskID,
		TestCaseID:           item.TestCaseID,
		ModelID:              item.ModelID,
		DimensionID:          item.DimensionID,
		EvaluatorID:          item.EvaluatorID,
		RepetitionIndex:      item.RepetitionIndex,
		Status:               Status(item.RowStatus),
		Score:                item.Score,
		RawResponse:          item.RawResponse,
		Justification:        item.Justification,
		Reasoning:            item.Reasoning,
		ErrorMessage:         item.ErrorMessage,
		DependenciesResolved: item.DependenciesResolved,
		Metadata:             item.Metadata,
	}
	createdAt, err := time.Parse(time.RFC3339, item.CreatedAtRfc3339)
	if err != nil {
		return Row{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	row.CreatedAt = createdAt
	if item.StartedAtRfc3339 != nil {
		t, err := time.Parse(time.RFC3339, *item.StartedAtRfc3339)
		if err != nil {
			return Row{}, fmt.Errorf("failed to parse started_at: %w", err)
		}
		row.StartedAt = &t
	}
	if item.CompletedAtRfc3339 != nil {
		t, err := time.Parse(time.RFC3339, *item.CompletedAtRfc3339)
		if err != nil {
			return Row{}, fmt.Errorf("failed to parse completed_at: %w", err)
		}
		row.CompletedAt = &t
	}
	return row, nil
}

type evalDepItem struct {
	Pk string `dynamo:"pk,hash"`  // evaldep#<template>
	Sk string `dynamo:"sk,range"` // <evaluator>#<prerequisite>

	EvaluatorID    string  `dynamo:"evaluator_id"`
	PrerequisiteID string  `dynamo:"prerequisite_id"` // empty for independent evaluators
	Priority       float64 `dynamo:"priority"`
	EvaluatorType  string  `dynamo:"evaluator_type"`
}

type rowEdgeItem struct {
	Pk string `dynamo:"pk,hash"`  // rowdep#<from> or rowdepr#<to>
	Sk string `dynamo:"sk,range"` // counterpart row uuid

	FromRowID string `dynamo:"from_row_id"`
	ToRowID   string `dynamo:"to_row_id"`
	Resolved  bool   `dynamo:"resolved"`
}

func (e rowEdgeItem) toEdge() (RowEdge, error) {
	from, err := uuid.Parse(e.FromRowID)
	if err != nil {
		return RowEdge{}, fmt.Errorf("failed to parse from_row_id: %w", err)
	}
	to, err := uuid.Parse(e.ToRowID)
	if err != nil {
		return RowEdge{}, fmt.Errorf("failed to parse to_row_id: %w", err)
	}
	return RowEdge{FromRowID: from, ToRowID: to, Resolved: e.Resolved}, nil
}

type evaluatorItem struct {
	Pk string `dynamo:"pk,hash"`  // evaluator#<id>
	Sk string `dynamo:"sk,range"` // details

	EvaluatorType  string            `dynamo:"evaluator_type"`
	ModelID        string            `dynamo:"model_id"`
	PromptTemplate string            `dynamo:"prompt_template"`
	Pattern        string            `dynamo:"pattern"`
	Language       string            `dynamo:"language"`
	Params         map[string]string `dynamo:"params,omitempty"`
}

type dimensionItem struct {
	Pk string `dynamo:"pk,hash"`  // dimension#<id>
	Sk string `dynamo:"sk,range"` // details

	Name               string `dynamo:"name"`
	DefaultEvaluatorID string `dynamo:"default_evaluator_id"`
}

type testCaseItem struct {
	Pk string `dynamo:"pk,hash"`  // test#<id>
	Sk string `dynamo:"sk,range"` // details

	Input           string  `dynamo:"input"`
	ReferenceAnswer string  `dynamo:"reference_answer"`
	MaxScore        float64 `dynamo:"max_score"`
}

type templateBindingItem struct {
	Pk string `dynamo:"pk,hash"`  // template#<id>
	Sk string `dynamo:"sk,range"` // <dimension>#<evaluator>

	DimensionID string `dynamo:"dimension_id"`
	EvaluatorID string `dynamo:"evaluator_id"`
}
