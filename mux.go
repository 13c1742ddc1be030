package jobq

import "context"

// HandlerFunc is the function signature for processing a job. payload is the
// encoded job data; use JobFromContext for the rest of the job.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

// Mux routes jobs to their respective handlers based on job name.
// Register handlers before starting the Server.
type Mux struct {
	handlers    map[string]HandlerFunc
	middlewares []Middleware
}

// NewMux creates a new job Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle registers a handler for a job name, replacing any previous one.
func (m *Mux) Handle(name string, fn HandlerFunc) {
	m.handlers[name] = fn
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw ...Middleware) {
	m.middlewares = append(m.middlewares, mw...)
}

// ProcessJob runs the handler registered for name. Jobs without a handler
// fail with ErrNoHandler, which is not retried.
func (m *Mux) ProcessJob(ctx context.Context, name string, payload []byte) error {
	h, ok := m.handlers[name]
	if !ok {
		return ErrNoHandler
	}
	return m.wrapHandler(h)(ctx, payload)
}

func (m *Mux) wrapHandler(h HandlerFunc) HandlerFunc {
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h
}
