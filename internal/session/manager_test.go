package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/askdb/askdb/internal/chat"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/schema"
)

type stubEngine struct {
	mu      sync.Mutex
	calls   []string
	execute func(ctx context.Context, sql string) (query.Result, error)
}

func (s *stubEngine) Execute(ctx context.Context, sql string) (query.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, sql)
	s.mu.Unlock()
	if s.execute != nil {
		return s.execute(ctx, sql)
	}
	return query.Result{Columns: []string{"ok"}, Rows: [][]any{{int64(1)}}}, nil
}

func (s *stubEngine) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func replyWith(reply string) chat.Completer {
	return chat.CompleterFunc(func(context.Context, []chat.Turn) (string, error) {
		return reply, nil
	})
}

func ordersCatalog() *schema.Catalog {
	return schema.NewCatalog(map[string]map[string]string{
		"orders": {"id": "integer", "total": "numeric"},
	})
}

func TestSubmitEndToEnd(t *testing.T) {
	engine := &stubEngine{execute: func(context.Context, string) (query.Result, error) {
		return query.Result{
			Columns: []string{"id", "total"},
			Rows:    [][]any{{int64(1), 9.5}, {int64(2), 20.0}},
		}, nil
	}}
	var sent []chat.Turn
	completer := chat.CompleterFunc(func(_ context.Context, turns []chat.Turn) (string, error) {
		sent = turns
		return "SELECT * FROM orders;", nil
	})
	manager := NewManager(ordersCatalog(), completer, engine, Options{})

	outcome, err := manager.Submit(context.Background(), "sales", "show all orders")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome.SQL != "SELECT * FROM orders;" {
		t.Fatalf("unexpected sql %q", outcome.SQL)
	}
	if len(sent) != 2 || sent[0].Role != chat.RoleSystem || sent[1].Role != chat.RoleUser {
		t.Fatalf("unexpected turns sent to completer: %+v", sent)
	}

	turns, ok := manager.Turns("sales")
	if !ok || len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d (%v)", len(turns), ok)
	}
	if turns[1].Content != "show all orders" || turns[2].Role != chat.RoleAssistant || turns[2].Content != "SELECT * FROM orders;" {
		t.Fatalf("unexpected turns: %+v", turns)
	}
	if !strings.Contains(turns[0].Content, schema.Render(ordersCatalog())) {
		t.Fatalf("system turn does not embed rendered catalog: %s", turns[0].Content)
	}

	result, ok := manager.CurrentResult("sales")
	if !ok || result.Kind != ResultRows || len(result.Rows) != 2 {
		t.Fatalf("unexpected current result: %+v (%v)", result, ok)
	}
	records := result.Records()
	if records[1]["total"] != 20.0 {
		t.Fatalf("unexpected records: %+v", records)
	}
	if got := engine.executed(); len(got) != 1 || got[0] != "SELECT * FROM orders;" {
		t.Fatalf("unexpected executed statements: %v", got)
	}
	snapshot, _ := manager.Lookup("sales")
	if snapshot.State != StateReady || !snapshot.HasResult {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestSubmitRejectsBlankText(t *testing.T) {
	called := false
	completer := chat.CompleterFunc(func(context.Context, []chat.Turn) (string, error) {
		called = true
		return "SELECT 1;", nil
	})
	manager := NewManager(ordersCatalog(), completer, &stubEngine{}, Options{})
	if _, err := manager.Session("sales"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := manager.Submit(context.Background(), "sales", text)
		var invalid *InvalidInputError
		if !errors.As(err, &invalid) || !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input error for %q, got %v", text, err)
		}
	}
	if called {
		t.Fatalf("completer must not be called for blank text")
	}
	turns, _ := manager.Turns("sales")
	if len(turns) != 1 {
		t.Fatalf("expected only the system turn, got %d", len(turns))
	}
	snapshot, _ := manager.Lookup("sales")
	if snapshot.State != StateSeeded {
		t.Fatalf("expected seeded state, got %s", snapshot.State)
	}
}

func TestSubmitBlankTextDoesNotCreateSession(t *testing.T) {
	manager := NewManager(ordersCatalog(), replyWith("SELECT 1;"), &stubEngine{}, Options{})
	if _, err := manager.Submit(context.Background(), "sales", " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if topics := manager.Topics(); len(topics) != 0 {
		t.Fatalf("expected no topics, got %v", topics)
	}
}

func TestSessionRejectsBlankTopic(t *testing.T) {
	manager := NewManager(ordersCatalog(), replyWith("SELECT 1;"), &stubEngine{}, Options{})
	if _, err := manager.Session("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := manager.Submit(context.Background(), "", "list orders"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSubmitGenerationFailureKeepsTurns(t *testing.T) {
	upstream := errors.New("upstream unavailable")
	fail := false
	completer := chat.CompleterFunc(func(context.Context, []chat.Turn) (string, error) {
		if fail {
			return "", upstream
		}
		return "SELECT 1;", nil
	})
	engine := &stubEngine{}
	manager := NewManager(ordersCatalog(), completer, engine, Options{})

	if _, err := manager.Submit(context.Background(), "sales", "first"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	before, _ := manager.Turns("sales")
	firstResult, _ := manager.CurrentResult("sales")

	fail = true
	_, err := manager.Submit(context.Background(), "sales", "second")
	var generation *GenerationError
	if !errors.As(err, &generation) || !errors.Is(err, ErrGeneration) || !errors.Is(err, upstream) {
		t.Fatalf("expected generation error wrapping upstream, got %v", err)
	}
	if generation.Topic != "sales" {
		t.Fatalf("unexpected topic %q", generation.Topic)
	}

	after, _ := manager.Turns("sales")
	if len(after) != len(before) {
		t.Fatalf("turn count changed from %d to %d", len(before), len(after))
	}
	snapshot, _ := manager.Lookup("sales")
	if snapshot.State != StateReady {
		t.Fatalf("expected ready state, got %s", snapshot.State)
	}
	if got := engine.executed(); len(got) != 1 {
		t.Fatalf("engine must not run after a generation failure, got %v", got)
	}
	current, _ := manager.CurrentResult("sales")
	if current.SQL != firstResult.SQL || current.Kind != firstResult.Kind {
		t.Fatalf("current result changed after generation failure: %+v", current)
	}
}

func TestSubmitBlankReplyIsGenerationError(t *testing.T) {
	manager := NewManager(ordersCatalog(), replyWith("  \n "), &stubEngine{}, Options{})
	_, err := manager.Submit(context.Background(), "sales", "list orders")
	if !errors.Is(err, ErrGeneration) || !errors.Is(err, chat.ErrEmptyCompletion) {
		t.Fatalf("expected empty completion generation error, got %v", err)
	}
	turns, _ := manager.Turns("sales")
	if len(turns) != 1 {
		t.Fatalf("expected only the system turn, got %d", len(turns))
	}
}

func TestSubmitExecutionFailureKeepsAssistantTurn(t *testing.T) {
	engine := &stubEngine{execute: func(_ context.Context, sql string) (query.Result, error) {
		return query.Result{}, &query.ExecutionError{SQL: sql, Cause: errors.New(`relation "ordres" does not exist`)}
	}}
	manager := NewManager(ordersCatalog(), replyWith("SELECT * FROM ordres;"), engine, Options{})

	outcome, err := manager.Submit(context.Background(), "sales", "list orders")
	if err != nil {
		t.Fatalf("execution failures must not surface as errors: %v", err)
	}
	if !outcome.Result.Failed() || !strings.Contains(outcome.Result.Error, "ordres") {
		t.Fatalf("unexpected outcome result: %+v", outcome.Result)
	}
	turns, _ := manager.Turns("sales")
	if len(turns) != 3 || turns[2].Content != "SELECT * FROM ordres;" {
		t.Fatalf("assistant turn not kept: %+v", turns)
	}
	result, ok := manager.CurrentResult("sales")
	if !ok || result.Kind != ResultError || result.Records() != nil {
		t.Fatalf("unexpected current result: %+v", result)
	}
}

func TestSubmitAppendsReplyVerbatim(t *testing.T) {
	manager := NewManager(ordersCatalog(), replyWith("  I cannot help with that.\n"), &stubEngine{
		execute: func(context.Context, string) (query.Result, error) {
			return query.Result{}, errors.New("syntax error")
		},
	}, Options{})

	outcome, err := manager.Submit(context.Background(), "sales", "tell me a joke")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome.SQL != "I cannot help with that." {
		t.Fatalf("unexpected sql %q", outcome.SQL)
	}
	turns, _ := manager.Turns("sales")
	if turns[2].Content != "I cannot help with that." {
		t.Fatalf("unexpected assistant turn %q", turns[2].Content)
	}
}

func TestSubmitStripsCodeFencesWhenEnabled(t *testing.T) {
	fenced := "```sql\nSELECT id FROM orders;\n```"
	engine := &stubEngine{}

	manager := NewManager(ordersCatalog(), replyWith(fenced), engine, Options{StripCodeFences: true})
	outcome, err := manager.Submit(context.Background(), "sales", "ids")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome.SQL != "SELECT id FROM orders;" {
		t.Fatalf("unexpected sql %q", outcome.SQL)
	}

	plain := NewManager(ordersCatalog(), replyWith(fenced), engine, Options{})
	outcome, err = plain.Submit(context.Background(), "sales", "ids")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome.SQL != fenced {
		t.Fatalf("reply should be kept verbatim without stripping, got %q", outcome.SQL)
	}
}

func TestSystemTurnUsesCatalogAtCreation(t *testing.T) {
	manager := NewManager(ordersCatalog(), replyWith("SELECT 1;"), &stubEngine{}, Options{})
	first, err := manager.Session("sales")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	refreshed := schema.NewCatalog(map[string]map[string]string{
		"customers": {"id": "integer", "name": "text"},
	})
	manager.SetCatalog(refreshed)

	again, err := manager.Session("sales")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if again.ID != first.ID || again.Turns[0].Content != first.Turns[0].Content {
		t.Fatalf("existing session must keep its system turn")
	}
	if _, err := manager.Submit(context.Background(), "sales", "count"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	turns, _ := manager.Turns("sales")
	if strings.Contains(turns[0].Content, "customers") {
		t.Fatalf("system turn rebuilt after submit")
	}

	if !manager.RemoveTopic("sales") {
		t.Fatalf("expected topic to be removed")
	}
	recreated, err := manager.Session("sales")
	if err != nil {
		t.Fatalf("recreate session: %v", err)
	}
	if recreated.ID == first.ID {
		t.Fatalf("expected a new session id")
	}
	if len(recreated.Turns) != 1 || !strings.Contains(recreated.Turns[0].Content, "customers") {
		t.Fatalf("recreated session must use the current catalog: %+v", recreated.Turns)
	}
	if _, ok := manager.CurrentResult("sales"); ok {
		t.Fatalf("recreated session must not inherit a result")
	}
}

func TestSessionIsSeededOnce(t *testing.T) {
	manager := NewManager(ordersCatalog(), replyWith("SELECT 1;"), &stubEngine{}, Options{})
	first, _ := manager.Session("sales")
	second, _ := manager.Session("sales")
	if first.ID != second.ID || len(second.Turns) != 1 || second.State != StateSeeded {
		t.Fatalf("unexpected sessions: %+v %+v", first, second)
	}
	if first.Turns[0].Role != chat.RoleSystem {
		t.Fatalf("first turn must be the system turn")
	}
}

func TestCurrentResultAbsent(t *testing.T) {
	manager := NewManager(ordersCatalog(), replyWith("SELECT 1;"), &stubEngine{}, Options{})
	if _, ok := manager.CurrentResult("missing"); ok {
		t.Fatalf("expected no result for unknown topic")
	}
	_, _ = manager.Session("sales")
	if _, ok := manager.CurrentResult("sales"); ok {
		t.Fatalf("expected no result before the first submit")
	}
}

func TestCurrentResultReflectsLatestExecution(t *testing.T) {
	var n int
	engine := &stubEngine{execute: func(context.Context, string) (query.Result, error) {
		n++
		if n == 2 {
			return query.Result{}, errors.New("boom")
		}
		return query.Result{Columns: []string{"n"}, Rows: [][]any{{int64(n)}}}, nil
	}}
	manager := NewManager(ordersCatalog(), replyWith("SELECT 1;"), engine, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := manager.Submit(ctx, "sales", fmt.Sprintf("q%d", i)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		result, _ := manager.CurrentResult("sales")
		if i == 1 && !result.Failed() {
			t.Fatalf("expected error result after second submit")
		}
		if i == 2 && (result.Failed() || result.Rows[0][0] != int64(3)) {
			t.Fatalf("expected rows from third execution, got %+v", result)
		}
	}
	turns, _ := manager.Turns("sales")
	if len(turns) != 7 {
		t.Fatalf("expected 7 turns, got %d", len(turns))
	}
}

func TestCurrentResultIsACopy(t *testing.T) {
	manager := NewManager(ordersCatalog(), replyWith("SELECT 1;"), &stubEngine{}, Options{})
	if _, err := manager.Submit(context.Background(), "sales", "one"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	result, _ := manager.CurrentResult("sales")
	result.Rows[0][0] = "mutated"
	again, _ := manager.CurrentResult("sales")
	if again.Rows[0][0] != int64(1) {
		t.Fatalf("stored result was mutated: %+v", again.Rows)
	}
}

func TestStateIsAwaitingResponseDuringCompletion(t *testing.T) {
	var manager *Manager
	var observed State
	var observedTurns int
	completer := chat.CompleterFunc(func(context.Context, []chat.Turn) (string, error) {
		snapshot, _ := manager.Lookup("sales")
		observed = snapshot.State
		observedTurns = len(snapshot.Turns)
		return "SELECT 1;", nil
	})
	manager = NewManager(ordersCatalog(), completer, &stubEngine{}, Options{})

	if _, err := manager.Submit(context.Background(), "sales", "one"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if observed != StateAwaitingResponse || observedTurns != 2 {
		t.Fatalf("expected awaiting_response with 2 turns, got %s with %d", observed, observedTurns)
	}
	snapshot, _ := manager.Lookup("sales")
	if snapshot.State != StateReady {
		t.Fatalf("expected ready after submit, got %s", snapshot.State)
	}
}

func TestCompletionTimeoutReturnsToReady(t *testing.T) {
	completer := chat.CompleterFunc(func(ctx context.Context, _ []chat.Turn) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	manager := NewManager(ordersCatalog(), completer, &stubEngine{}, Options{CompletionTimeout: 20 * time.Millisecond})

	_, err := manager.Submit(context.Background(), "sales", "slow question")
	if !errors.Is(err, ErrGeneration) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline generation error, got %v", err)
	}
	snapshot, _ := manager.Lookup("sales")
	if snapshot.State != StateReady || len(snapshot.Turns) != 1 {
		t.Fatalf("unexpected snapshot after timeout: %+v", snapshot)
	}
}

func TestCallerCancellationReturnsToReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	completer := chat.CompleterFunc(func(ctx context.Context, _ []chat.Turn) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	})
	manager := NewManager(ordersCatalog(), completer, &stubEngine{}, Options{})
	if _, err := manager.Submit(ctx, "sales", "question"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled generation error, got %v", err)
	}
	snapshot, _ := manager.Lookup("sales")
	if snapshot.State != StateReady {
		t.Fatalf("expected ready, got %s", snapshot.State)
	}
}

func TestExecutionTimeoutStoresErrorResult(t *testing.T) {
	engine := &stubEngine{execute: func(ctx context.Context, sql string) (query.Result, error) {
		<-ctx.Done()
		return query.Result{}, &query.ExecutionError{SQL: sql, Cause: ctx.Err()}
	}}
	manager := NewManager(ordersCatalog(), replyWith("SELECT pg_sleep(10);"), engine, Options{ExecutionTimeout: 20 * time.Millisecond})

	outcome, err := manager.Submit(context.Background(), "sales", "slow")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !outcome.Result.Failed() || !strings.Contains(outcome.Result.Error, "deadline") {
		t.Fatalf("expected deadline error result, got %+v", outcome.Result)
	}
	snapshot, _ := manager.Lookup("sales")
	if snapshot.State != StateReady || len(snapshot.Turns) != 3 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestPanickingCompleterDoesNotLeaveSessionAwaiting(t *testing.T) {
	completer := chat.CompleterFunc(func(context.Context, []chat.Turn) (string, error) {
		panic("provider bug")
	})
	manager := NewManager(ordersCatalog(), completer, &stubEngine{}, Options{})

	func() {
		defer func() { _ = recover() }()
		_, _ = manager.Submit(context.Background(), "sales", "question")
	}()
	snapshot, _ := manager.Lookup("sales")
	if snapshot.State != StateReady || len(snapshot.Turns) != 1 {
		t.Fatalf("unexpected snapshot after panic: %+v", snapshot)
	}
}

func TestRemoveTopic(t *testing.T) {
	manager := NewManager(ordersCatalog(), replyWith("SELECT 1;"), &stubEngine{}, Options{})
	if manager.RemoveTopic("missing") {
		t.Fatalf("removing an unknown topic must report false")
	}
	_, _ = manager.Session("b")
	_, _ = manager.Session("a")
	if got := manager.Topics(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected topics %v", got)
	}
	if !manager.RemoveTopic("a") {
		t.Fatalf("expected removal")
	}
	if _, ok := manager.Turns("a"); ok {
		t.Fatalf("removed topic still has turns")
	}
	if got := manager.Topics(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("unexpected topics %v", got)
	}
}

func TestRemoveTopicDuringSubmitDetachesSession(t *testing.T) {
	var manager *Manager
	completer := chat.CompleterFunc(func(context.Context, []chat.Turn) (string, error) {
		manager.RemoveTopic("sales")
		return "SELECT 1;", nil
	})
	manager = NewManager(ordersCatalog(), completer, &stubEngine{}, Options{})

	outcome, err := manager.Submit(context.Background(), "sales", "question")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome.SQL != "SELECT 1;" || outcome.Result.Failed() {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if _, ok := manager.Lookup("sales"); ok {
		t.Fatalf("removed topic must stay removed")
	}
	if _, ok := manager.CurrentResult("sales"); ok {
		t.Fatalf("detached result must not be visible")
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	completer := chat.CompleterFunc(func(_ context.Context, turns []chat.Turn) (string, error) {
		last := turns[len(turns)-1].Content
		if last == "fail" {
			return "", errors.New("nope")
		}
		return "SELECT '" + last + "';", nil
	})
	manager := NewManager(ordersCatalog(), completer, &stubEngine{}, Options{})
	ctx := context.Background()

	if _, err := manager.Submit(ctx, "a", "alpha"); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if _, err := manager.Submit(ctx, "b", "fail"); err == nil {
		t.Fatalf("expected failure for b")
	}
	a, _ := manager.Turns("a")
	b, _ := manager.Turns("b")
	if len(a) != 3 || len(b) != 1 {
		t.Fatalf("unexpected turn counts a=%d b=%d", len(a), len(b))
	}
	resultA, okA := manager.CurrentResult("a")
	_, okB := manager.CurrentResult("b")
	if !okA || okB || resultA.SQL != "SELECT 'alpha';" {
		t.Fatalf("results leaked between topics: %+v %v %v", resultA, okA, okB)
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	var inflight sync.Map
	completer := chat.CompleterFunc(func(ctx context.Context, turns []chat.Turn) (string, error) {
		topic := strings.TrimPrefix(turns[len(turns)-1].Content, "q:")
		topic = topic[:strings.IndexByte(topic, '#')]
		if _, busy := inflight.LoadOrStore(topic, true); busy {
			return "", fmt.Errorf("overlapping submissions for %s", topic)
		}
		defer inflight.Delete(topic)
		time.Sleep(time.Millisecond)
		return "SELECT 1;", nil
	})
	manager := NewManager(ordersCatalog(), completer, &stubEngine{}, Options{})

	const topics, perTopic = 4, 5
	var wg sync.WaitGroup
	errs := make(chan error, topics*perTopic)
	for i := 0; i < topics; i++ {
		topic := fmt.Sprintf("topic-%d", i)
		for j := 0; j < perTopic; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				if _, err := manager.Submit(context.Background(), topic, fmt.Sprintf("q:%s#%d", topic, j)); err != nil {
					errs <- err
				}
			}(j)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("submit: %v", err)
	}

	for i := 0; i < topics; i++ {
		turns, ok := manager.Turns(fmt.Sprintf("topic-%d", i))
		if !ok || len(turns) != 1+2*perTopic {
			t.Fatalf("topic-%d: expected %d turns, got %d", i, 1+2*perTopic, len(turns))
		}
		for k := 1; k < len(turns); k += 2 {
			if turns[k].Role != chat.RoleUser || turns[k+1].Role != chat.RoleAssistant {
				t.Fatalf("topic-%d: turns out of order at %d", i, k)
			}
		}
	}
}

func TestSystemPrompt(t *testing.T) {
	prompt := SystemPrompt("duckdb", `{"orders": {}}`)
	if !strings.Contains(prompt, "professional duckdb query writer") || !strings.Contains(prompt, `{"orders": {}}`) {
		t.Fatalf("unexpected prompt: %s", prompt)
	}
	if !strings.Contains(SystemPrompt("", "{}"), "professional postgresql query writer") {
		t.Fatalf("expected postgresql default dialect")
	}
}
