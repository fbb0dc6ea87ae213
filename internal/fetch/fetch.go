// Copyright 2017 Intel Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fetch retrieves a missing original file over HTTP when a delta
// needs content that isn't present in the local image tree, per spec.md
// §5: an HTTP-reading producer and a caller-supplied consumer callback hand
// off one buffer at a time through a single slot, so the payload is never
// copied between them.
package fetch

import (
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"
)

// slotSize bounds one hand-off buffer; large enough that most files cross
// the slot in a handful of swaps without the consumer ever stalling on an
// empty slot for long.
const slotSize = 256 * 1024

// handoff is the single shared slot: one buffer at a time, guarded by a
// mutex/condvar pair, matching the SPSC coupling spec.md §5 describes
// rather than a buffered channel, since the producer must block until the
// consumer has actually drained the previous buffer (no queueing ahead).
type handoff struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	full    bool
	eof     bool
	err     error
	aborted bool
}

func newHandoff() *handoff {
	h := &handoff{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// put blocks until the slot is empty (or the consumer has shut down), then
// publishes buf. The producer does not copy buf after this call; ownership
// passes to the consumer.
func (h *handoff) put(buf []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.full && !h.aborted {
		h.cond.Wait()
	}
	if h.aborted {
		return false
	}
	h.buf = buf
	h.full = true
	h.cond.Broadcast()
	return true
}

// closeProducer signals end-of-stream, optionally with an error.
func (h *handoff) closeProducer(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eof = true
	h.err = err
	h.cond.Broadcast()
}

// take blocks until a buffer is available, EOF is signaled, or the
// consumer itself aborts. Returns (buf, ok) where ok is false at EOF.
func (h *handoff) take() ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for !h.full && !h.eof {
		h.cond.Wait()
	}
	if h.full {
		buf := h.buf
		h.buf = nil
		h.full = false
		h.cond.Broadcast()
		return buf, true
	}
	return nil, false
}

// abort tells the producer to stop waiting for the consumer, used when the
// consumer shuts down early (e.g. the extractor hit a fatal error).
func (h *handoff) abort() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aborted = true
	h.cond.Broadcast()
}

// DownloadAndConsume fetches url and streams its body to consume one
// buffer at a time via the SPSC hand-off, returning the producer's error
// (an HTTP failure) in preference to a consumer error if both occur.
func DownloadAndConsume(url string, consume func(chunk []byte) error) error {
	resp, err := http.Get(url) //nolint:gosec // url is operator-controlled (--content-url)
	if err != nil {
		return errors.Wrapf(err, "fetching %s", url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("got status %q fetching %s", resp.Status, url)
	}

	h := newHandoff()
	var consumerErr error
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			buf, ok := h.take()
			if !ok {
				return
			}
			if consumerErr == nil {
				if err := consume(buf); err != nil {
					consumerErr = err
					h.abort()
					return
				}
			}
		}
	}()

	var producerErr error
	for {
		buf := make([]byte, slotSize)
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if !h.put(buf[:n]) {
				break
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			producerErr = readErr
			break
		}
	}
	h.closeProducer(producerErr)
	<-done

	if producerErr != nil {
		return errors.Wrap(producerErr, "reading response body")
	}
	return consumerErr
}
