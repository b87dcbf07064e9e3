package graph

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/allsmog/revgraph/internal/types"
)

// MockCall represents a recorded method call on the mock graph client.
type MockCall struct {
	Method    string
	Cypher    string
	Params    map[string]any
	Timestamp time.Time
}

// MockHandler produces a canned response for a matching Cypher statement.
type MockHandler func(cypher string, params map[string]any) (QueryResult, error)

// MockClient is a mock implementation of Client for testing.
// Responses are produced by substring-matched handlers registered with
// Handle; unmatched statements get an empty result. All calls are recorded
// for verification.
type MockClient struct {
	mu sync.RWMutex

	connected bool
	calls     []MockCall

	handlers []mockRoute

	connectError error
	closeError   error
	queryError   error
	writeError   error
}

type mockRoute struct {
	substr  string
	handler MockHandler
}

// NewMockClient creates a new mock graph client for testing.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Handle registers a handler invoked for any Query/Write whose Cypher text
// contains substr. Handlers are matched in registration order; the first
// match wins.
func (m *MockClient) Handle(substr string, handler MockHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, mockRoute{substr: substr, handler: handler})
}

// HandleResult registers a fixed result for any statement containing substr.
func (m *MockClient) HandleResult(substr string, result QueryResult) {
	m.Handle(substr, func(string, map[string]any) (QueryResult, error) {
		return result, nil
	})
}

// SetConnectError makes Connect fail with the given error.
func (m *MockClient) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectError = err
}

// SetQueryError makes all Query calls fail with the given error.
func (m *MockClient) SetQueryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryError = err
}

// SetWriteError makes all Write calls fail with the given error.
func (m *MockClient) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

// SetCloseError makes Close fail with the given error.
func (m *MockClient) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeError = err
}

// Connect records the call and simulates connection.
func (m *MockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("Connect", "", nil)

	if m.connectError != nil {
		return m.connectError
	}

	m.connected = true
	return nil
}

// Close records the call and simulates disconnection.
func (m *MockClient) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("Close", "", nil)

	if m.closeError != nil {
		return m.closeError
	}

	m.connected = false
	return nil
}

// Health records the call and returns health based on connection state.
func (m *MockClient) Health(ctx context.Context) types.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("Health", "", nil)

	if !m.connected {
		return types.Unhealthy("not connected")
	}
	return types.Healthy("mock graph client")
}

// Query records the call and dispatches to the matching handler.
func (m *MockClient) Query(ctx context.Context, cypher string, params map[string]any) (QueryResult, error) {
	m.mu.Lock()
	m.record("Query", cypher, params)
	err := m.queryError
	handler := m.match(cypher)
	m.mu.Unlock()

	if err != nil {
		return QueryResult{}, err
	}
	if handler != nil {
		return handler(cypher, params)
	}
	return QueryResult{}, nil
}

// Write records the call and dispatches to the matching handler.
func (m *MockClient) Write(ctx context.Context, cypher string, params map[string]any) (QueryResult, error) {
	m.mu.Lock()
	m.record("Write", cypher, params)
	err := m.writeError
	handler := m.match(cypher)
	m.mu.Unlock()

	if err != nil {
		return QueryResult{}, err
	}
	if handler != nil {
		return handler(cypher, params)
	}
	return QueryResult{}, nil
}

// Calls returns a copy of all recorded calls.
func (m *MockClient) Calls() []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsMatching returns recorded Query/Write calls whose Cypher contains substr.
func (m *MockClient) CallsMatching(substr string) []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []MockCall
	for _, c := range m.calls {
		if c.Cypher != "" && strings.Contains(c.Cypher, substr) {
			out = append(out, c)
		}
	}
	return out
}

// WriteCount returns the number of recorded Write calls.
func (m *MockClient) WriteCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == "Write" {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and handlers.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.handlers = nil
}

func (m *MockClient) record(method, cypher string, params map[string]any) {
	m.calls = append(m.calls, MockCall{
		Method:    method,
		Cypher:    cypher,
		Params:    params,
		Timestamp: time.Now(),
	})
}

func (m *MockClient) match(cypher string) MockHandler {
	for _, route := range m.handlers {
		if strings.Contains(cypher, route.substr) {
			return route.handler
		}
	}
	return nil
}
