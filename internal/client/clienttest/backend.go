// Package clienttest provides an in-process fake of the fleet command backend.
package clienttest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Raw is a response body sent verbatim
type Raw string

// Reply is a response with an explicit status code
type Reply struct {
	Status int
	Body   any
}

// Request is one request the backend received
type Request struct {
	Method    string
	Path      string
	RequestID string
	JSON      map[string]any
	Form      map[string]string
	FileName  string
	File      string
}

// Backend serves canned replies. Queued replies are consumed in order and
// the last one repeats.
type Backend struct {
	server *httptest.Server

	mu       sync.Mutex
	execute  []any
	jobs     []any
	transfer any
	requests []Request
	polls    int
	onPoll   func(n int)
}

// New starts a backend that is closed when the test ends
func New(t testing.TB) *Backend {
	b := &Backend{}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api", func(r chi.Router) {
		r.Post("/execute", b.handleExecute)
		r.Get("/job/{jobID}", b.handleJob)
		r.Post("/upload-copy", b.handleUpload)
		r.Post("/copy-from-vm", b.handleCopy)
	})

	b.server = httptest.NewServer(r)
	t.Cleanup(b.server.Close)
	return b
}

// URL returns the base URL of the backend
func (b *Backend) URL() string {
	return b.server.URL
}

// QueueExecute appends replies for /api/execute
func (b *Backend) QueueExecute(replies ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.execute = append(b.execute, replies...)
}

// QueueJob appends replies for /api/job/{id}
func (b *Backend) QueueJob(replies ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = append(b.jobs, replies...)
}

// SetTransfer sets the reply of both file operation endpoints
func (b *Backend) SetTransfer(reply any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transfer = reply
}

// OnPoll registers a hook called with the 1-based poll count before each job reply
func (b *Backend) OnPoll(fn func(n int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPoll = fn
}

// Requests returns every request received so far
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, len(b.requests))
	copy(out, b.requests)
	return out
}

// Polls returns the number of job polls received
func (b *Backend) Polls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

func (b *Backend) record(req Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
}

func next(queue *[]any) any {
	if len(*queue) == 0 {
		return Reply{Status: http.StatusInternalServerError, Body: map[string]any{"ok": false, "error": "no reply queued"}}
	}
	reply := (*queue)[0]
	if len(*queue) > 1 {
		*queue = (*queue)[1:]
	}
	return reply
}

func (b *Backend) handleExecute(w http.ResponseWriter, r *http.Request) {
	b.record(jsonRequest(r))

	b.mu.Lock()
	reply := next(&b.execute)
	b.mu.Unlock()
	respond(w, reply)
}

func (b *Backend) handleJob(w http.ResponseWriter, r *http.Request) {
	b.record(Request{Method: r.Method, Path: r.URL.Path, RequestID: r.Header.Get("X-Request-ID")})

	b.mu.Lock()
	b.polls++
	n := b.polls
	hook := b.onPoll
	b.mu.Unlock()

	if hook != nil {
		hook(n)
	}

	b.mu.Lock()
	reply := next(&b.jobs)
	b.mu.Unlock()
	respond(w, reply)
}

func (b *Backend) handleUpload(w http.ResponseWriter, r *http.Request) {
	req := Request{Method: r.Method, Path: r.URL.Path, RequestID: r.Header.Get("X-Request-ID"), Form: map[string]string{}}

	mr, err := r.MultipartReader()
	if err != nil {
		respond(w, Reply{Status: http.StatusBadRequest, Body: map[string]any{"ok": false, "error": "No file uploaded"}})
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			respond(w, Reply{Status: http.StatusBadRequest, Body: map[string]any{"ok": false, "error": err.Error()}})
			return
		}
		data, _ := io.ReadAll(part)
		if part.FormName() == "file" {
			req.FileName = part.FileName()
			req.File = string(data)
			continue
		}
		req.Form[part.FormName()] = string(data)
	}
	b.record(req)

	b.mu.Lock()
	reply := b.transfer
	b.mu.Unlock()
	respond(w, reply)
}

func (b *Backend) handleCopy(w http.ResponseWriter, r *http.Request) {
	b.record(jsonRequest(r))

	b.mu.Lock()
	reply := b.transfer
	b.mu.Unlock()
	respond(w, reply)
}

func jsonRequest(r *http.Request) Request {
	req := Request{Method: r.Method, Path: r.URL.Path, RequestID: r.Header.Get("X-Request-ID")}
	_ = json.NewDecoder(r.Body).Decode(&req.JSON)
	return req
}

func respond(w http.ResponseWriter, reply any) {
	status := http.StatusOK
	if rep, ok := reply.(Reply); ok {
		status = rep.Status
		reply = rep.Body
	}

	if raw, ok := reply.(Raw); ok {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, string(raw))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(reply)
}
