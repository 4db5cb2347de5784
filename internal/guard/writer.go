// SPDX-License-Identifier: MIT

package guard

import (
	"net/http"
	"sync"
)

// ResponseState is implemented by writers that expose whether and how the
// response was written. The forwarder consults it before every write so no
// request ever receives two response bodies.
type ResponseState interface {
	Written() bool
	Status() int
}

// SafeWriter serializes access to the underlying ResponseWriter and makes
// the response single-shot: once Seal has claimed it (the SLO timer fired),
// later writes from the handler chain are silently discarded.
type SafeWriter struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	wrote  bool
	sealed bool
	status int
	bytes  int
}

// NewSafeWriter wraps w.
func NewSafeWriter(w http.ResponseWriter) *SafeWriter {
	return &SafeWriter{w: w}
}

func (s *SafeWriter) Header() http.Header {
	return s.w.Header()
}

func (s *SafeWriter) WriteHeader(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed || s.wrote {
		return
	}
	s.wrote = true
	s.status = status
	s.w.WriteHeader(status)
}

func (s *SafeWriter) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		// The timeout response already went out; pretend the write worked
		// so handlers unwind without error noise.
		return len(b), nil
	}
	if !s.wrote {
		s.wrote = true
		s.status = http.StatusOK
		s.w.WriteHeader(http.StatusOK)
	}
	n, err := s.w.Write(b)
	s.bytes += n
	return n, err
}

func (s *SafeWriter) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Written reports whether a response has started.
func (s *SafeWriter) Written() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrote || s.sealed
}

// Status returns the status code sent, or 0 when nothing was written.
func (s *SafeWriter) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wrote && !s.sealed {
		return 0
	}
	return s.status
}

// Seal claims the response for an out-of-band writer (the SLO timer). It
// returns false when the handler already wrote; on success fn receives the
// raw writer and all later handler writes are dropped.
func (s *SafeWriter) Seal(fn func(http.ResponseWriter)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wrote || s.sealed {
		return false
	}
	s.sealed = true
	fn(&sealRecorder{ResponseWriter: s.w, status: &s.status})
	return true
}

// sealRecorder records the status the out-of-band writer chose.
type sealRecorder struct {
	http.ResponseWriter
	status *int
}

func (r *sealRecorder) WriteHeader(status int) {
	*r.status = status
	r.ResponseWriter.WriteHeader(status)
}
