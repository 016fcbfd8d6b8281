// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package streaming turns a session's turn notifications into the
// typed event sequence one SSE consumer reads: start, ordered updates,
// and exactly one of complete or error.
package streaming

import (
	"context"
	"sync"

	"github.com/kadirpekel/mandrake/pkg/session"
)

// Event type tags.
const (
	EventStart    = "start"
	EventUpdate   = "update"
	EventComplete = "complete"
	EventError    = "error"
)

// eventBuffer absorbs bursts without blocking the forwarder on every
// frame.
const eventBuffer = 32

// Event is one envelope on the wire.
type Event struct {
	Type       string        `json:"type"`
	ResponseID string        `json:"responseId,omitempty"`
	Turn       *session.Turn `json:"turn,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Runner is the coordinator surface the bridge drives.
type Runner interface {
	HandleRequest(ctx context.Context, userContent string) (*session.Round, error)
	SubscribeTurns() (<-chan *session.Turn, func())
}

// Run subscribes to the runner's turn notifications, starts the
// request, and returns the event stream plus a cancel function.
// Cancelling releases the subscription immediately but never stops the
// underlying request; the response is persisted either way.
func Run(ctx context.Context, runner Runner, userContent string) (<-chan Event, func()) {
	events := make(chan Event, eventBuffer)
	turns, unsubscribe := runner.SubscribeTurns()

	cancelled := make(chan struct{})
	var cancelOnce sync.Once
	cancel := func() {
		cancelOnce.Do(func() { close(cancelled) })
	}

	type requestResult struct {
		round *session.Round
		err   error
	}
	result := make(chan requestResult, 1)
	go func() {
		// Detached from the consumer: a dropped subscriber must not
		// lose the response.
		round, err := runner.HandleRequest(context.WithoutCancel(ctx), userContent)
		result <- requestResult{round: round, err: err}
	}()

	go func() {
		defer close(events)
		defer unsubscribe()

		started := false
		responseID := ""

		emit := func(event Event) bool {
			select {
			case events <- event:
				return true
			case <-cancelled:
				return false
			}
		}

		forward := func(turn *session.Turn) bool {
			if !started {
				started = true
				responseID = turn.ResponseID
				if !emit(Event{Type: EventStart, ResponseID: responseID}) {
					return false
				}
			}
			if turn.ResponseID != responseID {
				return true
			}
			return emit(Event{Type: EventUpdate, Turn: turn})
		}

		for {
			select {
			case <-cancelled:
				return

			case turn, ok := <-turns:
				if !ok {
					return
				}
				if !forward(turn) {
					return
				}

			case res := <-result:
				// Every turn write precedes the request's return, so
				// pending updates are already buffered; flush them
				// before the terminal event.
			drain:
				for {
					select {
					case turn, ok := <-turns:
						if !ok {
							break drain
						}
						if !forward(turn) {
							return
						}
					default:
						break drain
					}
				}

				// A request that failed before any turn write still
				// opens the stream with a start event.
				if !started {
					started = true
					if res.round != nil {
						responseID = res.round.ResponseID
					}
					if !emit(Event{Type: EventStart, ResponseID: responseID}) {
						return
					}
				}

				if res.err != nil {
					emit(Event{Type: EventError, Error: res.err.Error()})
				} else {
					emit(Event{Type: EventComplete, ResponseID: responseID})
				}
				return
			}
		}
	}()

	return events, cancel
}
