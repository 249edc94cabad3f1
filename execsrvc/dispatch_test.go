package execsrvc_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/evalgrid/backend/coderun"
	"github.com/evalgrid/backend/depsrvc"
	"github.com/evalgrid/backend/execsrvc"
	"github.com/evalgrid/backend/modelcall"
	"github.com/evalgrid/backend/subtask"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	content string
	err     error
	calls   int
}

func (f *fakeCaller) Call(ctx context.Context, modelID string, systemPrompt *string, userPrompt string, params modelcall.Params) (modelcall.Result, error) {
	f.calls++
	if f.err != nil {
		return modelcall.Result{}, f.err
	}
	return modelcall.Result{Content: f.content, FinishReason: "stop"}, nil
}

type fakeRunner struct {
	result coderun.ExecResult
	err    error
}

func (f *fakeRunner) Execute(ctx context.Context, code string, language string, tests []coderun.TestCaseInput) (coderun.ExecResult, error) {
	if f.err != nil {
		return coderun.ExecResult{}, f.err
	}
	return f.result, nil
}

type fakeArchive struct {
	objects map[uuid.UUID][]byte
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{objects: map[uuid.UUID][]byte{}}
}

func (f *fakeArchive) Store(ctx context.Context, rowID uuid.UUID, content []byte) (string, error) {
	f.objects[rowID] = content
	return "https://archive.test/responses/" + rowID.String(), nil
}

func (f *fakeArchive) Fetch(ctx context.Context, rowID uuid.UUID) ([]byte, error) {
	content, ok := f.objects[rowID]
	if !ok {
		return nil, fmt.Errorf("no archived response for row %s", rowID)
	}
	return content, nil
}

func (f *fakeArchive) Exists(ctx context.Context, rowID uuid.UUID) (bool, error) {
	_, ok := f.objects[rowID]
	return ok, nil
}

type dispatchFixture struct {
	rows    *subtask.InMemRowRepo
	edges   *subtask.InMemEdgeRepo
	catalog *subtask.InMemCatalog
	caller  *fakeCaller
	runner  *fakeRunner
	deps    *depsrvc.DepSrvc
}

func newDispatchFixture() *dispatchFixture {
	f := &dispatchFixture{
		rows:    subtask.NewInMemRowRepo(),
		edges:   subtask.NewInMemEdgeRepo(),
		catalog: subtask.NewInMemCatalog(),
		caller:  &fakeCaller{content: "the answer is 42"},
		runner:  &fakeRunner{},
	}
	f.catalog.Tests["tc-1"] = subtask.TestCase{
		ID: "tc-1", Input: "what is 6*7?", ReferenceAnswer: "42", MaxScore: 10,
	}
	f.catalog.Evaluators["pattern"] = subtask.Evaluator{
		ID: "pattern", Type: subtask.EvaluatorRegex,
		Config: subtask.EvaluatorConfig{Pattern: `\b42\b`},
	}
	f.catalog.Evaluators["judge"] = subtask.Evaluator{
		ID: "judge", Type: subtask.EvaluatorPrompt,
		Config: subtask.EvaluatorConfig{ModelID: "judge-model", PromptTemplate: "score the answer"},
	}
	f.catalog.Evaluators["sandbox"] = subtask.Evaluator{
		ID: "sandbox", Type: subtask.EvaluatorCode,
		Config: subtask.EvaluatorConfig{Language: "python"},
	}
	f.catalog.Evaluators["reviewer"] = subtask.Evaluator{
		ID: "reviewer", Type: subtask.EvaluatorHuman,
	}
	f.deps = depsrvc.New(discardLogger(), f.rows, f.edges, f.catalog)
	return f
}

func (f *dispatchFixture) dispatcher() *execsrvc.Dispatcher {
	return f.dispatcherWithArchive(nil)
}

func (f *dispatchFixture) dispatcherWithArchive(archive execsrvc.ResponseArchive) *execsrvc.Dispatcher {
	return execsrvc.NewDispatcher(discardLogger(), f.rows, f.catalog, f.deps, f.caller, f.runner, archive)
}

func (f *dispatchFixture) pendingRow(t *testing.T, evaluatorID string) subtask.Row {
	t.Helper()
	row := subtask.Row{
		ID: uuid.New(), TaskID: "task-1", TestCaseID: "tc-1", ModelID: "m1",
		DimensionID: "accuracy", EvaluatorID: evaluatorID, RepetitionIndex: 1,
		Status: subtask.StatusPending, CreatedAt: time.Now(),
	}
	require.NoError(t, f.rows.Save(context.Background(), row))
	return row
}

func TestDispatchRegexRow(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture()
	row := f.pendingRow(t, "pattern")

	_, err := f.dispatcher().Dispatch(ctx, row.ID)
	require.NoError(t, err)

	stored, err := f.rows.Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, subtask.StatusCompleted, stored.Status)
	require.NotNil(t, stored.Score)
	require.Equal(t, 10.0, *stored.Score)
	require.NotNil(t, stored.RawResponse)
}

func TestDispatchJudgeRow(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture()
	f.caller.content = "8.5 - mostly correct but missing units"
	row := f.pendingRow(t, "judge")

	_, err := f.dispatcher().Dispatch(ctx, row.ID)
	require.NoError(t, err)

	stored, err := f.rows.Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, subtask.StatusCompleted, stored.Status)
	require.Equal(t, 8.5, *stored.Score)
	require.NotNil(t, stored.Justification)
	// one call for the candidate answer, one for the judge
	require.Equal(t, 2, f.caller.calls)
}

func TestDispatchSandboxRow(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture()
	f.runner.result = coderun.ExecResult{
		ExitCode: 0,
		TestResults: []coderun.TestResult{
			{ID: "tc-1", Passed: true},
			{ID: "tc-2", Passed: false},
		},
	}
	row := f.pendingRow(t, "sandbox")

	_, err := f.dispatcher().Dispatch(ctx, row.ID)
	require.NoError(t, err)

	stored, err := f.rows.Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, subtask.StatusCompleted, stored.Status)
	require.Equal(t, 5.0, *stored.Score)
}

func TestDispatchFailureIsRecordedOnRow(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture()
	f.caller.err = fmt.Errorf("provider is down")
	row := f.pendingRow(t, "pattern")

	// a per-row dispatch error must not propagate as a loop error
	_, err := f.dispatcher().Dispatch(ctx, row.ID)
	require.NoError(t, err)

	stored, err := f.rows.Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, subtask.StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	require.Contains(t, *stored.ErrorMessage, "provider is down")
}

func TestDispatchSkipsHumanRows(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture()
	row := f.pendingRow(t, "reviewer")

	_, err := f.dispatcher().Dispatch(ctx, row.ID)
	require.NoError(t, err)

	stored, err := f.rows.Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, subtask.StatusPending, stored.Status)
	require.Equal(t, 0, f.caller.calls)
}

func TestDispatchSkipsNonPendingRows(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture()
	row := f.pendingRow(t, "pattern")
	running := row.MarkRunning(time.Now())
	require.NoError(t, f.rows.Save(ctx, running))

	_, err := f.dispatcher().Dispatch(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, 0, f.caller.calls)
}

func TestDispatchOffloadsOversizedResponse(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture()
	archive := newFakeArchive()
	f.caller.content = strings.Repeat("x", 70*1024) + " 42"
	row := f.pendingRow(t, "pattern")

	_, err := f.dispatcherWithArchive(archive).Dispatch(ctx, row.ID)
	require.NoError(t, err)

	stored, err := f.rows.Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, subtask.StatusCompleted, stored.Status)
	require.Equal(t, "true", stored.Metadata[subtask.MetaResponseArchived])
	require.NotNil(t, stored.RawResponse)
	// the row keeps the object url, the archive keeps the content
	require.Contains(t, *stored.RawResponse, row.ID.String())
	require.Contains(t, string(archive.objects[row.ID]), " 42")
}

func TestDispatchReEvaluatesArchivedResponse(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture()
	archive := newFakeArchive()
	row := f.pendingRow(t, "pattern")

	url, err := archive.Store(ctx, row.ID, []byte("the archived answer is 42"))
	require.NoError(t, err)
	row.RawResponse = &url
	row.Metadata = map[string]string{subtask.MetaResponseArchived: "true"}
	require.NoError(t, f.rows.Save(ctx, row))

	_, err = f.dispatcherWithArchive(archive).Dispatch(ctx, row.ID)
	require.NoError(t, err)

	stored, err := f.rows.Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, subtask.StatusCompleted, stored.Status)
	require.Equal(t, 10.0, *stored.Score)
	// scoring ran against the archived content, not a fresh model call
	require.Equal(t, 0, f.caller.calls)

	t.Run("missing archive object falls back to the model", func(t *testing.T) {
		g := newDispatchFixture()
		empty := newFakeArchive()
		orphan := g.pendingRow(t, "pattern")
		gone := "https://archive.test/responses/" + orphan.ID.String()
		orphan.RawResponse = &gone
		orphan.Metadata = map[string]string{subtask.MetaResponseArchived: "true"}
		require.NoError(t, g.rows.Save(ctx, orphan))

		_, err := g.dispatcherWithArchive(empty).Dispatch(ctx, orphan.ID)
		require.NoError(t, err)

		stored, err := g.rows.Get(ctx, orphan.ID)
		require.NoError(t, err)
		require.Equal(t, subtask.StatusCompleted, stored.Status)
		require.Equal(t, 1, g.caller.calls)
	})
}

func TestDispatchUnblocksDependents(t *testing.T) {
	ctx := context.Background()
	f := newDispatchFixture()
	prereq := f.pendingRow(t, "sandbox")
	dependent := f.pendingRow(t, "judge")
	require.NoError(t, f.edges.UpsertRowEdges(ctx, []subtask.RowEdge{
		{FromRowID: dependent.ID, ToRowID: prereq.ID},
	}))
	f.runner.result = coderun.ExecResult{
		TestResults: []coderun.TestResult{{ID: "tc-1", Passed: true}},
	}

	unblocked, err := f.dispatcher().Dispatch(ctx, prereq.ID)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{dependent.ID}, unblocked)

	t.Run("dependent was blocked before", func(t *testing.T) {
		// sanity: a fresh fixture with the prerequisite still pending
		// must refuse to dispatch the dependent
		g := newDispatchFixture()
		p := g.pendingRow(t, "sandbox")
		d := g.pendingRow(t, "judge")
		require.NoError(t, g.edges.UpsertRowEdges(ctx, []subtask.RowEdge{
			{FromRowID: d.ID, ToRowID: p.ID},
		}))
		_, err := g.dispatcher().Dispatch(ctx, d.ID)
		require.NoError(t, err)
		stored, err := g.rows.Get(ctx, d.ID)
		require.NoError(t, err)
		require.Equal(t, subtask.StatusPending, stored.Status)
	})
}
