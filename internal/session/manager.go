// Package session keeps one NL-to-SQL conversation per topic and runs each
// generated statement against the configured query engine.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/askdb/askdb/internal/chat"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/schema"
)

// State is the lifecycle position of one topic's session.
type State string

const (
	StateUninitialized    State = "uninitialized"
	StateSeeded           State = "seeded"
	StateAwaitingResponse State = "awaiting_response"
	StateReady            State = "ready"
)

// Options tunes a Manager. Zero values disable the timeouts.
type Options struct {
	// Dialect names the SQL flavour in the system prompt.
	Dialect           string
	StripCodeFences   bool
	CompletionTimeout time.Duration
	ExecutionTimeout  time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
}

// Snapshot is a point-in-time copy of one session.
type Snapshot struct {
	Topic     string      `json:"topic"`
	ID        string      `json:"session_id"`
	State     State       `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
	Turns     []chat.Turn `json:"turns"`
	HasResult bool        `json:"has_result"`
}

// Outcome is what one successful Submit produced.
type Outcome struct {
	Topic     string      `json:"topic"`
	SessionID string      `json:"session_id"`
	SQL       string      `json:"sql"`
	Result    QueryResult `json:"result"`
}

type conversation struct {
	id        string
	topic     string
	createdAt time.Time

	// submitMu serializes submissions; mu guards the fields below and is
	// never held across a collaborator call.
	submitMu sync.Mutex
	mu       sync.Mutex
	state    State
	turns    []chat.Turn
	result   *QueryResult
}

// Manager owns the sessions of every topic. It is safe for concurrent use.
type Manager struct {
	completer chat.Completer
	engine    query.Engine
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	catalog  *schema.Catalog
	sessions map[string]*conversation
}

func NewManager(catalog *schema.Catalog, completer chat.Completer, engine query.Engine, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if catalog == nil {
		catalog = schema.NewCatalog(nil)
	}
	observability.SetCatalogTables(catalog.Len())
	return &Manager{
		completer: completer,
		engine:    engine,
		opts:      opts,
		logger:    opts.Logger,
		catalog:   catalog,
		sessions:  map[string]*conversation{},
	}
}

// Catalog returns the catalog new sessions are seeded from.
func (m *Manager) Catalog() *schema.Catalog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.catalog
}

// SetCatalog replaces the catalog used for sessions created from now on.
// Existing sessions keep the system turn they were seeded with.
func (m *Manager) SetCatalog(catalog *schema.Catalog) {
	if catalog == nil {
		catalog = schema.NewCatalog(nil)
	}
	m.mu.Lock()
	m.catalog = catalog
	m.mu.Unlock()
	observability.SetCatalogTables(catalog.Len())
}

// Session returns the session for topic, creating and seeding it first when
// none exists.
func (m *Manager) Session(topic string) (Snapshot, error) {
	conv, err := m.createOrGet(topic)
	if err != nil {
		return Snapshot{}, err
	}
	return conv.snapshot(), nil
}

// Lookup returns the session for topic without creating one.
func (m *Manager) Lookup(topic string) (Snapshot, bool) {
	m.mu.Lock()
	conv, ok := m.sessions[topic]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return conv.snapshot(), true
}

func (m *Manager) Turns(topic string) ([]chat.Turn, bool) {
	snapshot, ok := m.Lookup(topic)
	if !ok {
		return nil, false
	}
	return snapshot.Turns, true
}

// Topics lists active topics in lexical order.
func (m *Manager) Topics() []string {
	m.mu.Lock()
	topics := make([]string, 0, len(m.sessions))
	for topic := range m.sessions {
		topics = append(topics, topic)
	}
	m.mu.Unlock()
	sort.Strings(topics)
	return topics
}

// CurrentResult returns the result of the most recent execution for topic.
func (m *Manager) CurrentResult(topic string) (QueryResult, bool) {
	m.mu.Lock()
	conv, ok := m.sessions[topic]
	m.mu.Unlock()
	if !ok {
		return QueryResult{}, false
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.result == nil {
		return QueryResult{}, false
	}
	return conv.result.clone(), true
}

// RemoveTopic discards the session for topic. A submission already running
// for it completes against the detached session.
func (m *Manager) RemoveTopic(topic string) bool {
	m.mu.Lock()
	conv, ok := m.sessions[topic]
	if ok {
		delete(m.sessions, topic)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return false
	}
	observability.SetActiveSessions(count)
	m.logger.Info("topic removed", "topic", topic, "session_id", conv.id)
	return true
}

// Submit records text as a user turn, asks the completer for SQL, records the
// reply as an assistant turn and executes it.
//
// A failed completion leaves the turns as they were before the call and
// returns a *GenerationError. A failed execution is not an error: it is stored
// as an error-kind result and returned in the Outcome.
func (m *Manager) Submit(ctx context.Context, topic, text string) (Outcome, error) {
	if strings.TrimSpace(text) == "" {
		observability.ObserveSubmission(observability.OutcomeInvalidInput)
		return Outcome{}, &InvalidInputError{Field: "text", Reason: "must not be empty"}
	}
	conv, err := m.createOrGet(topic)
	if err != nil {
		observability.ObserveSubmission(observability.OutcomeInvalidInput)
		return Outcome{}, err
	}

	conv.submitMu.Lock()
	defer conv.submitMu.Unlock()

	logger := m.logger.With("topic", conv.topic, "session_id", conv.id)
	ctx = observability.ContextWithTopic(ctx, conv.topic)

	turns := conv.begin(text)
	settled := false
	defer func() {
		if !settled {
			conv.rollback()
		}
	}()

	sql, err := m.complete(ctx, turns)
	if err != nil {
		conv.rollback()
		settled = true
		observability.ObserveSubmission(observability.OutcomeGenerationError)
		logger.Warn("sql generation failed", "error", err)
		return Outcome{}, &GenerationError{Topic: conv.topic, Cause: err}
	}
	conv.commit(sql)
	settled = true

	result := m.execute(ctx, sql)
	conv.storeResult(result)
	if result.Failed() {
		observability.ObserveSubmission(observability.OutcomeExecutionError)
		logger.Info("generated sql failed", "error", result.Error, "duration_ms", result.Duration.Milliseconds())
	} else {
		observability.ObserveSubmission(observability.OutcomeExecuted)
		logger.Info("generated sql executed", "rows", len(result.Rows), "truncated", result.Truncated, "duration_ms", result.Duration.Milliseconds())
	}

	return Outcome{
		Topic:     conv.topic,
		SessionID: conv.id,
		SQL:       sql,
		Result:    result.clone(),
	}, nil
}

func (m *Manager) complete(ctx context.Context, turns []chat.Turn) (string, error) {
	if m.completer == nil {
		return "", errors.New("no completer configured")
	}
	if m.opts.CompletionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.CompletionTimeout)
		defer cancel()
	}
	start := time.Now()
	reply, err := m.completer.Complete(ctx, turns)
	observability.ObserveCompletionLatency(time.Since(start))
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if m.opts.StripCodeFences {
		reply = chat.StripCodeFences(reply)
	}
	if reply == "" {
		return "", chat.ErrEmptyCompletion
	}
	return reply, nil
}

func (m *Manager) execute(ctx context.Context, sql string) QueryResult {
	if m.engine == nil {
		return errorResult(sql, errors.New("no query engine configured"), 0, m.opts.Now().UTC())
	}
	if m.opts.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ExecutionTimeout)
		defer cancel()
	}
	start := time.Now()
	result, err := m.engine.Execute(ctx, sql)
	elapsed := time.Since(start)
	observability.ObserveExecutionLatency(elapsed)
	if err != nil {
		return errorResult(sql, err, elapsed, m.opts.Now().UTC())
	}
	if result.Duration == 0 {
		result.Duration = elapsed
	}
	return rowsResult(sql, result, m.opts.Now().UTC())
}

func (m *Manager) createOrGet(topic string) (*conversation, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, &InvalidInputError{Field: "topic", Reason: "must not be empty"}
	}

	m.mu.Lock()
	if conv, ok := m.sessions[topic]; ok {
		m.mu.Unlock()
		return conv, nil
	}
	conv := &conversation{
		id:        uuid.NewString(),
		topic:     topic,
		createdAt: m.opts.Now().UTC(),
		state:     StateUninitialized,
	}
	conv.turns = []chat.Turn{{
		Role:    chat.RoleSystem,
		Content: SystemPrompt(m.opts.Dialect, schema.Render(m.catalog)),
	}}
	conv.state = StateSeeded
	m.sessions[topic] = conv
	count := len(m.sessions)
	m.mu.Unlock()

	observability.SetActiveSessions(count)
	m.logger.Info("session created", "topic", topic, "session_id", conv.id)
	return conv, nil
}

// begin appends the user turn and returns the full conversation to send.
func (c *conversation) begin(text string) []chat.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, chat.Turn{Role: chat.RoleUser, Content: text})
	c.state = StateAwaitingResponse
	return append([]chat.Turn(nil), c.turns...)
}

func (c *conversation) commit(reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, chat.Turn{Role: chat.RoleAssistant, Content: reply})
	c.state = StateReady
}

// rollback drops the pending user turn. It is a no-op unless a submission is
// awaiting its reply.
func (c *conversation) rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAwaitingResponse {
		return
	}
	if n := len(c.turns); n > 1 && c.turns[n-1].Role == chat.RoleUser {
		c.turns = c.turns[:n-1]
	}
	c.state = StateReady
}

func (c *conversation) storeResult(result QueryResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = &result
}

func (c *conversation) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Topic:     c.topic,
		ID:        c.id,
		State:     c.state,
		CreatedAt: c.createdAt,
		Turns:     append([]chat.Turn(nil), c.turns...),
		HasResult: c.result != nil,
	}
}
