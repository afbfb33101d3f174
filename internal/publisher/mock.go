package publisher

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/sells-group/cdr-reporter/internal/model"
)

// Message is one publish captured by MockPublisher.
type Message struct {
	Topic   string
	Payload []byte
}

// MockPublisher captures publishes in memory so tests can inspect the run and
// alert events the engine and alerter emit.
type MockPublisher struct {
	mu         sync.Mutex
	messages   []Message
	closed     bool
	err        error
	failPrefix string
}

// NewMockPublisher returns an empty MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// Publish records a copy of payload, or returns the configured error when
// topic matches the failing prefix.
func (m *MockPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil && strings.HasPrefix(topic, m.failPrefix) {
		return m.err
	}
	m.messages = append(m.messages, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SetError makes every later Publish fail with err. nil clears it.
func (m *MockPublisher) SetError(err error) {
	m.FailTopics("", err)
}

// FailTopics makes Publish fail with err only for topics under prefix.
func (m *MockPublisher) FailTopics(prefix string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err, m.failPrefix = err, prefix
}

// Messages returns every captured message in publish order.
func (m *MockPublisher) Messages() []Message {
	return m.On("")
}

// On returns the captured messages whose topic starts with prefix.
func (m *MockPublisher) On(prefix string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if strings.HasPrefix(msg.Topic, prefix) {
			out = append(out, msg)
		}
	}
	return out
}

// Alerts decodes the messages published on alert topics.
func (m *MockPublisher) Alerts() ([]model.Alert, error) {
	var out []model.Alert
	for _, msg := range m.Messages() {
		if !strings.Contains(msg.Topic, "/alerts/") {
			continue
		}
		var a model.Alert
		if err := json.Unmarshal(msg.Payload, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Runs decodes the run summaries published on run topics.
func (m *MockPublisher) Runs() ([]model.RunReport, error) {
	var out []model.RunReport
	for _, msg := range m.Messages() {
		if !strings.HasSuffix(msg.Topic, "/runs") {
			continue
		}
		var r model.RunReport
		if err := json.Unmarshal(msg.Payload, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Closed reports whether Close was called.
func (m *MockPublisher) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
