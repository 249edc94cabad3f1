package retrysrvc

import (
	"context"
	"strconv"

	"github.com/evalgrid/backend/subtask"
	"github.com/google/uuid"
)

// Composite identifiers are UI-level aggregate keys denoting a set of
// rows. The embedded model and dimension ids are fixed-width UUID
// strings, so parsing slices at fixed offsets; splitting on "-" would
// tear the UUIDs apart, since they contain hyphens themselves.
const (
	uuidStrLen = 36 // canonical 8-4-4-4-12 form
	sepLen     = 1

	multiPrefix = "multi-"
	runPrefix   = "run-"
)

// layout: multi-{model36}-{dimension36}
const (
	multiModelStart = len(multiPrefix)
	multiModelEnd   = multiModelStart + uuidStrLen
	multiDimStart   = multiModelEnd + sepLen
	multiDimEnd     = multiDimStart + uuidStrLen
	multiTotalLen   = multiDimEnd
)

// layout: run-{model36}-{dimension36}-{runIndex}
const (
	runModelStart = len(runPrefix)
	runModelEnd   = runModelStart + uuidStrLen
	runDimStart   = runModelEnd + sepLen
	runDimEnd     = runDimStart + uuidStrLen
	runIdxStart   = runDimEnd + sepLen
	runMinLen     = runIdxStart + 1
)

type IDKind string

const (
	KindAtomic IDKind = "atomic"
	KindMulti  IDKind = "multi"
	KindRun    IDKind = "run"
)

// ResolvedIDs is the concrete row set behind one identifier.
type ResolvedIDs struct {
	RealIDs     []uuid.UUID
	IsComposite bool
	Kind        IDKind
}

type parsedComposite struct {
	kind        IDKind
	modelID     string
	dimensionID string
	runIndex    int
}

func hasPrefix(s string, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// parseCompositeID classifies an identifier string. Strings that carry
// a composite prefix but are too short for the fixed layout produce a
// typed parse error; strings without a known prefix degrade to atomic,
// since the id space is not fully closed.
func parseCompositeID(id string) (parsedComposite, error) {
	switch {
	case hasPrefix(id, multiPrefix):
		if len(id) != multiTotalLen {
			return parsedComposite{}, ErrMalformedCompositeID(id)
		}
		if id[multiModelEnd] != '-' {
			return parsedComposite{}, ErrMalformedCompositeID(id)
		}
		return parsedComposite{
			kind:        KindMulti,
			modelID:     id[multiModelStart:multiModelEnd],
			dimensionID: id[multiDimStart:multiDimEnd],
		}, nil

	case hasPrefix(id, runPrefix):
		if len(id) < runMinLen {
			return parsedComposite{}, ErrMalformedCompositeID(id)
		}
		if id[runModelEnd] != '-' || id[runDimEnd] != '-' {
			return parsedComposite{}, ErrMalformedCompositeID(id)
		}
		runIdx, err := strconv.Atoi(id[runIdxStart:])
		if err != nil || runIdx < 1 {
			return parsedComposite{}, ErrMalformedCompositeID(id)
		}
		return parsedComposite{
			kind:        KindRun,
			modelID:     id[runModelStart:runModelEnd],
			dimensionID: id[runDimStart:runDimEnd],
			runIndex:    runIdx,
		}, nil
	}

	return parsedComposite{kind: KindAtomic}, nil
}

// ResolveIDs maps a UI identifier to the storage rows it represents.
// Composite identifiers resolve through the row table scoped to the
// task; bare identifiers resolve to the single row they name.
func (s *RetrySrvc) ResolveIDs(ctx context.Context, compositeID string, taskID string) (ResolvedIDs, error) {
	parsed, err := parseCompositeID(compositeID)
	if err != nil {
		return ResolvedIDs{}, err
	}

	switch parsed.kind {
	case KindMulti:
		rows, err := s.rows.List(ctx, subtask.RowFilter{
			TaskID:      &taskID,
			ModelID:     &parsed.modelID,
			DimensionID: &parsed.dimensionID,
		})
		if err != nil {
			return ResolvedIDs{}, err
		}
		if len(rows) == 0 {
			return ResolvedIDs{}, ErrNoRowsForCompositeID(compositeID)
		}
		return ResolvedIDs{
			RealIDs:     rowIDs(rows),
			IsComposite: true,
			Kind:        KindMulti,
		}, nil

	case KindRun:
		rows, err := s.rows.List(ctx, subtask.RowFilter{
			TaskID:          &taskID,
			ModelID:         &parsed.modelID,
			DimensionID:     &parsed.dimensionID,
			RepetitionIndex: &parsed.runIndex,
		})
		if err != nil {
			return ResolvedIDs{}, err
		}
		if len(rows) == 0 {
			return ResolvedIDs{}, ErrNoRowsForCompositeID(compositeID)
		}
		return ResolvedIDs{
			RealIDs:     rowIDs(rows),
			IsComposite: true,
			Kind:        KindRun,
		}, nil
	}

	rowID, err := uuid.Parse(compositeID)
	if err != nil {
		return ResolvedIDs{}, ErrNoRowsForCompositeID(compositeID)
	}
	if _, err := s.rows.Get(ctx, rowID); err != nil {
		return ResolvedIDs{}, err
	}
	return ResolvedIDs{
		RealIDs: []uuid.UUID{rowID},
		Kind:    KindAtomic,
	}, nil
}

func rowIDs(rows []subtask.Row) []uuid.UUID {
	ids := make([]uuid.UUID, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	return ids
}
