// Package publisher announces ingestion runs and failure alerts on a message
// broker.
package publisher

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cdr-reporter/internal/model"
)

// Publisher defines the interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Events publishes run reports and alerts as JSON under a topic prefix:
//
//	<prefix>/runs              one message per ingestion run
//	<prefix>/alerts/<type>     one message per raised alert
//
// A nil *Events or one without a Publisher drops every message.
type Events struct {
	pub    Publisher
	prefix string
}

// NewEvents creates an Events publisher. p may be nil.
func NewEvents(p Publisher, prefix string) *Events {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "cdr"
	}
	return &Events{pub: p, prefix: prefix}
}

// RunTopic returns the topic run reports are published on.
func (e *Events) RunTopic() string { return e.prefix + "/runs" }

// AlertTopic returns the topic alerts of type t are published on.
func (e *Events) AlertTopic(t model.AlertType) string {
	return e.prefix + "/alerts/" + string(t)
}

// PublishRun publishes a run report without its per-file lines.
func (e *Events) PublishRun(ctx context.Context, r *model.RunReport) error {
	if e == nil || e.pub == nil || r == nil {
		return nil
	}
	head := *r
	head.Files = nil
	return e.publish(ctx, e.RunTopic(), head)
}

// PublishAlert publishes one alert.
func (e *Events) PublishAlert(ctx context.Context, a model.Alert) error {
	if e == nil || e.pub == nil {
		return nil
	}
	return e.publish(ctx, e.AlertTopic(a.Type), a)
}

// Close closes the underlying publisher.
func (e *Events) Close() error {
	if e == nil || e.pub == nil {
		return nil
	}
	return e.pub.Close()
}

func (e *Events) publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "publisher: marshal %s", topic)
	}
	return eris.Wrapf(e.pub.Publish(ctx, topic, payload), "publisher: publish %s", topic)
}
