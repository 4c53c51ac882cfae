// Package importer recognizes conversation export formats produced by other
// chat clients and converts them into conversation records.
package importer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/conversation"
	"github.com/cuongbtq/convo-transfer/internal/domain"
	"github.com/google/uuid"
)

// Importer converts one export format.
type Importer interface {
	// Name identifies the format in logs and metrics.
	Name() string
	// Match reports whether the document has this format's shape.
	Match(raw json.RawMessage) bool
	// Parse converts the document into conversations owned by userID. Every
	// conversation and message gets a freshly generated id.
	Parse(raw json.RawMessage, userID string, now time.Time) ([]conversation.Conversation, error)
}

// Registry holds importers in selection order.
type Registry struct {
	importers []Importer
}

// NewRegistry creates a registry that tries importers in the given order.
func NewRegistry(importers ...Importer) *Registry {
	return &Registry{importers: importers}
}

// DefaultRegistry returns the built-in formats: LibreChat, ChatGPT, then Chatbot UI.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewLibreChat(),
		NewChatGPT(),
		NewChatbotUI(),
	)
}

// Select returns the first importer whose shape matches data.
func (r *Registry) Select(data []byte) (Importer, json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrFormatUnrecognized, err)
	}

	for _, imp := range r.importers {
		if imp.Match(raw) {
			return imp, raw, nil
		}
	}
	return nil, nil, domain.ErrFormatUnrecognized
}

// Names lists the registered formats in selection order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.importers))
	for i, imp := range r.importers {
		names[i] = imp.Name()
	}
	return names
}

// idMapper hands out fresh ids and remembers the original they replace so
// parent references can be rewritten.
type idMapper struct {
	newID func() string
	ids   map[string]string
}

func newIDMapper(newID func() string) *idMapper {
	if newID == nil {
		newID = uuid.NewString
	}
	return &idMapper{newID: newID, ids: make(map[string]string)}
}

func (m *idMapper) assign(original string) string {
	if id, ok := m.ids[original]; ok && original != "" {
		return id
	}
	id := m.newID()
	if original != "" {
		m.ids[original] = id
	}
	return id
}

func (m *idMapper) parent(original string) string {
	if id, ok := m.ids[original]; ok {
		return id
	}
	return conversation.NoParent
}

// sequence returns the timestamp for the i-th message when the source has
// none, keeping creation order stable.
func sequence(base time.Time, i int) time.Time {
	return base.Add(time.Duration(i) * time.Millisecond)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
