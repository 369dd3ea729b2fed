package pipeline

import (
	"encoding/json"

	apperrors "github.com/allisson/jobflow/internal/errors"
)

// Context carries the job payload and the values stages produce for each
// other. It serializes to JSON so a paused job's state survives crashes and
// can be resumed by a different worker instance.
type Context struct {
	Payload json.RawMessage            `json:"payload"`
	Values  map[string]json.RawMessage `json:"values"`
}

// NewContext creates a pipeline context seeded with the job payload.
func NewContext(payload json.RawMessage) *Context {
	return &Context{
		Payload: payload,
		Values:  make(map[string]json.RawMessage),
	}
}

// Set stores a stage output under key, JSON-encoding the value.
func (c *Context) Set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperrors.Wrapf(err, "encode context value %q", key)
	}
	if c.Values == nil {
		c.Values = make(map[string]json.RawMessage)
	}
	c.Values[key] = data
	return nil
}

// Get decodes the value stored under key into out. Returns ErrNotFound when
// the key is absent.
func (c *Context) Get(key string, out any) error {
	data, ok := c.Values[key]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, "context value %q", key)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Wrapf(err, "decode context value %q", key)
	}
	return nil
}

// SetRaw stores an already-encoded stage output under key.
func (c *Context) SetRaw(key string, value json.RawMessage) {
	if c.Values == nil {
		c.Values = make(map[string]json.RawMessage)
	}
	c.Values[key] = value
}

// Snapshot serializes the context for durable storage at a pause point.
func (c *Context) Snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, apperrors.Wrap(err, "snapshot pipeline context")
	}
	return data, nil
}

// RestoreContext rebuilds a context from a stored snapshot. A nil or empty
// snapshot yields a fresh context with the given payload.
func RestoreContext(snapshot, payload json.RawMessage) (*Context, error) {
	if len(snapshot) == 0 {
		return NewContext(payload), nil
	}

	var pc Context
	if err := json.Unmarshal(snapshot, &pc); err != nil {
		return nil, apperrors.Wrap(err, "restore pipeline context")
	}
	if pc.Values == nil {
		pc.Values = make(map[string]json.RawMessage)
	}
	if len(pc.Payload) == 0 {
		pc.Payload = payload
	}
	return &pc, nil
}
