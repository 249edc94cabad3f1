package subtask

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemRowRepo keeps rows in a map guarded by a mutex. Used by tests
// and by the poll processor's local fixtures.
type InMemRowRepo struct {
	lock sync.Mutex
	rows map[uuid.UUID]Row
}

func NewInMemRowRepo() *InMemRowRepo {
	return &InMemRowRepo{rows: make(map[uuid.UUID]Row)}
}

func (m *InMemRowRepo) Save(ctx context.Context, row Row) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.rows[row.ID] = row
	return nil
}

func (m *InMemRowRepo) Get(ctx context.Context, id uuid.UUID) (Row, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return Row{}, ErrRowNotFound()
	}
	return row, nil
}

func (m *InMemRowRepo) List(ctx context.Context, filter RowFilter) ([]Row, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	res := []Row{}
	for _, row := range m.rows {
		if filter.Matches(&row) {
			res = append(res, row)
		}
	}
	return res, nil
}

func (m *InMemRowRepo) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]Row, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	res := []Row{}
	for _, id := range ids {
		if row, ok := m.rows[id]; ok {
			res = append(res, row)
		}
	}
	return res, nil
}

func (m *InMemRowRepo) TransitionStatus(ctx context.Context, from Status, row Row) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	stored, ok := m.rows[row.ID]
	if !ok {
		return ErrRowNotFound()
	}
	if stored.Status != from {
		return ErrStatusConflict(from, stored.Status)
	}
	m.rows[row.ID] = row
	return nil
}

func (m *InMemRowRepo) SetDependenciesResolved(ctx context.Context, id uuid.UUID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return ErrRowNotFound()
	}
	row.DependenciesResolved = true
	m.rows[id] = row
	return nil
}

type evalDepKey struct {
	template     string
	evaluator    string
	prerequisite string
}

// InMemEdgeRepo mirrors the DynamoDB edge table semantics: evaluator
// dependencies are upserted per (template, evaluator, prerequisite)
// pair, row edges per (from, to) pair.
type InMemEdgeRepo struct {
	lock      sync.Mutex
	evalDeps  map[evalDepKey]EvaluatorDependency
	rowEdges  map[[2]uuid.UUID]RowEdge
	edgesFrom map[uuid.UUID][]uuid.UUID
	edgesTo   map[uuid.UUID][]uuid.UUID
}

func NewInMemEdgeRepo() *InMemEdgeRepo {
	return &InMemEdgeRepo{
		evalDeps:  make(map[evalDepKey]EvaluatorDependency),
		rowEdges:  make(map[[2]uuid.UUID]RowEdge),
		edgesFrom: make(map[uuid.UUID][]uuid.UUID),
		edgesTo:   make(map[uuid.UUID][]uuid.UUID),
	}
}

func (m *InMemEdgeRepo) UpsertEvaluatorDeps(ctx context.Context, templateID string, deps []EvaluatorDependency) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, dep := range deps {
		if len(dep.DependsOn) == 0 {
			key := evalDepKey{templateID, dep.EvaluatorID, ""}
			m.evalDeps[key] = dep
			continue
		}
		for _, prereq := range dep.DependsOn {
			key := evalDepKey{templateID, dep.EvaluatorID, prereq}
			m.evalDeps[key] = dep
		}
	}
	return nil
}

func (m *InMemEdgeRepo) GetEvaluatorDeps(ctx context.Context, templateID string) ([]EvaluatorDependency, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	byEvaluator := make(map[string]*EvaluatorDependency)
	for key, dep := range m.evalDeps {
		if key.template != templateID {
			continue
		}
		agg, ok := byEvaluator[key.evaluator]
		if !ok {
			agg = &EvaluatorDependency{
				TemplateID:  templateID,
				EvaluatorID: key.evaluator,
				Priority:    dep.Priority,
				Type:        dep.Type,
			}
			byEvaluator[key.evaluator] = agg
		}
		if key.prerequisite != "" {
			agg.DependsOn = append(agg.DependsOn, key.prerequisite)
		}
	}
	res := []EvaluatorDependency{}
	for _, dep := range byEvaluator {
		res = append(res, *dep)
	}
	return res, nil
}

func (m *InMemEdgeRepo) UpsertRowEdges(ctx context.Context, edges []RowEdge) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, edge := range edges {
		key := [2]uuid.UUID{edge.FromRowID, edge.ToRowID}
		if _, exists := m.rowEdges[key]; !exists {
			m.edgesFrom[edge.FromRowID] = append(m.edgesFrom[edge.FromRowID], edge.ToRowID)
			m.edgesTo[edge.ToRowID] = append(m.edgesTo[edge.ToRowID], edge.FromRowID)
		}
		m.rowEdges[key] = edge
	}
	return nil
}

func (m *InMemEdgeRepo) ListEdgesFrom(ctx context.Context, fromRowID uuid.UUID) ([]RowEdge, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	res := []RowEdge{}
	for _, to := range m.edgesFrom[fromRowID] {
		res = append(res, m.rowEdges[[2]uuid.UUID{fromRowID, to}])
	}
	return res, nil
}

func (m *InMemEdgeRepo) ListEdgesTo(ctx context.Context, toRowID uuid.UUID) ([]RowEdge, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	res := []RowEdge{}
	for _, from := range m.edgesTo[toRowID] {
		res = append(res, m.rowEdges[[2]uuid.UUID{from, toRowID}])
	}
	return res, nil
}

func (m *InMemEdgeRepo) MarkResolved(ctx context.Context, fromRowID uuid.UUID, toRowID uuid.UUID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	key := [2]uuid.UUID{fromRowID, toRowID}
	edge, ok := m.rowEdges[key]
	if !ok {
		return nil // edge may have been pruned; resolving is idempotent
	}
	edge.Resolved = true
	m.rowEdges[key] = edge
	return nil
}

// InMemCatalog serves evaluator / dimension / test case / template
// reads from maps. Tests populate it directly.
type InMemCatalog struct {
	lock       sync.Mutex
	Evaluators map[string]Evaluator
	Dimensions map[string]Dimension
	Tests      map[string]TestCase
	Bindings   []TemplateBinding
}

func NewInMemCatalog() *InMemCatalog {
	return &InMemCatalog{
		Evaluators: make(map[string]Evaluator),
		Dimensions: make(map[string]Dimension),
		Tests:      make(map[string]TestCase),
	}
}

func (c *InMemCatalog) Evaluator(ctx context.Context, id string) (Evaluator, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	ev, ok := c.Evaluators[id]
	if !ok {
		return Evaluator{}, ErrEvaluatorNotFound()
	}
	return ev, nil
}

func (c *InMemCatalog) Dimension(ctx context.Context, id string) (Dimension, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	dim, ok := c.Dimensions[id]
	if !ok {
		return Dimension{}, ErrDimensionNotFound()
	}
	return dim, nil
}

func (c *InMemCatalog) TestCases(ctx context.Context, ids []string) (map[string]TestCase, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	res := make(map[string]TestCase, len(ids))
	for _, id := range ids {
		tc, ok := c.Tests[id]
		if !ok {
			return nil, ErrTestCaseNotFound()
		}
		res[id] = tc
	}
	return res, nil
}

func (c *InMemCatalog) TemplateBindings(ctx context.Context, templateID string) ([]TemplateBinding, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	res := []TemplateBinding{}
	for _, b := range c.Bindings {
		if b.TemplateID == templateID {
			res = append(res, b)
		}
	}
	return res, nil
}
