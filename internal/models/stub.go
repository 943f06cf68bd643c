package models

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mountebank-testing/imposters/internal/util"
)

// responseCursor is the read pointer into a stub's response buffer and the
// number of repeats left for the response it points at
type responseCursor struct {
	index     int
	remaining int
}

// stubEntry is the runtime form of a Stub
type stubEntry struct {
	predicates []Predicate
	responses  []*ResponseConfig
	cursor     responseCursor
	matches    []Match
	recorded   bool
}

func newStubEntry(stub Stub) *stubEntry {
	entry := &stubEntry{
		predicates: stub.Predicates,
		responses:  make([]*ResponseConfig, len(stub.Responses)),
		matches:    stub.Matches,
	}
	for i := range stub.Responses {
		rc := stub.Responses[i]
		entry.responses[i] = &rc
	}
	return entry
}

// advance returns the response under the cursor and moves the cursor on once
// that response's repeats are used up
func (e *stubEntry) advance() *ResponseConfig {
	if len(e.responses) == 0 {
		return &ResponseConfig{Is: &Response{}}
	}
	if e.cursor.index >= len(e.responses) {
		e.cursor = responseCursor{}
	}
	if e.cursor.remaining <= 0 {
		e.cursor.remaining = e.responses[e.cursor.index].RepeatCount()
	}

	current := e.responses[e.cursor.index]
	e.cursor.remaining--
	if e.cursor.remaining == 0 {
		e.cursor.index = (e.cursor.index + 1) % len(e.responses)
		e.cursor.remaining = e.responses[e.cursor.index].RepeatCount()
	}
	return current
}

func (e *stubEntry) toStub(includeMatches bool) Stub {
	stub := Stub{
		Predicates: e.predicates,
		Responses:  make([]ResponseConfig, len(e.responses)),
	}
	for i, rc := range e.responses {
		stub.Responses[i] = *rc
	}
	if includeMatches && len(e.matches) > 0 {
		stub.Matches = append([]Match(nil), e.matches...)
	}
	return cloneStub(stub)
}

func (e *stubEntry) owns(rc *ResponseConfig) bool {
	for _, candidate := range e.responses {
		if candidate == rc {
			return true
		}
	}
	return false
}

func cloneStub(stub Stub) Stub {
	if copied, ok := util.Clone(stub).(Stub); ok {
		return copied
	}
	var copied Stub
	if err := util.FromMap(stub, &copied); err != nil {
		return stub
	}
	return copied
}

// StubMatch is the outcome of matching a request against the repository
type StubMatch struct {
	// Matched is false when the implicit default stub was used
	Matched        bool
	Index          int
	ResponseConfig *ResponseConfig

	entry *stubEntry
}

// StubRepository owns the ordered stubs of one imposter. Matching a stub and
// advancing its response cursor happen under a single lock.
type StubRepository struct {
	mu            sync.Mutex
	stubs         []*stubEntry
	evaluator     *PredicateEvaluator
	recordMatches bool
	logger        *util.Logger
}

// NewStubRepository creates a new stub repository
func NewStubRepository(evaluator *PredicateEvaluator, recordMatches bool, logger *util.Logger) *StubRepository {
	return &StubRepository{
		evaluator:     evaluator,
		recordMatches: recordMatches,
		logger:        logger,
	}
}

// Next finds the first stub whose predicates all match request and returns
// its current response, advancing the stub's cursor
func (sr *StubRepository) Next(request *Request) *StubMatch {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	for i, entry := range sr.stubs {
		if sr.matchesAll(entry.predicates, request) {
			return &StubMatch{
				Matched:        true,
				Index:          i,
				ResponseConfig: entry.advance(),
				entry:          entry,
			}
		}
	}
	return &StubMatch{
		Index:          -1,
		ResponseConfig: &ResponseConfig{Is: &Response{}},
	}
}

func (sr *StubRepository) matchesAll(predicates []Predicate, request *Request) bool {
	for _, p := range predicates {
		if !sr.evaluator.Evaluate(p, request) {
			return false
		}
	}
	return true
}

// RecordMatch appends the outcome of a resolution to the matched stub when
// match recording is enabled
func (sr *StubRepository) RecordMatch(match *StubMatch, request *Request, response *Response, resolveErr error) {
	if !sr.recordMatches || match == nil || match.entry == nil || request.IsDryRun {
		return
	}
	record := Match{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Request:   request,
		Response:  response,
	}
	if resolveErr != nil {
		record.Error = resolveErr.Error()
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	match.entry.matches = append(match.entry.matches, record)
}

// Add appends a stub
func (sr *StubRepository) Add(stub Stub) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	sr.stubs = append(sr.stubs, newStubEntry(stub))
}

// InsertAtIndex inserts a stub at index; out of range indexes append
func (sr *StubRepository) InsertAtIndex(stub Stub, index int) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	sr.insert(newStubEntry(stub), index)
}

func (sr *StubRepository) insert(entry *stubEntry, index int) {
	if index < 0 || index >= len(sr.stubs) {
		sr.stubs = append(sr.stubs, entry)
		return
	}
	sr.stubs = append(sr.stubs, nil)
	copy(sr.stubs[index+1:], sr.stubs[index:])
	sr.stubs[index] = entry
}

// DeleteAtIndex deletes the stub at index
func (sr *StubRepository) DeleteAtIndex(index int) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if index < 0 || index >= len(sr.stubs) {
		return util.NewMissingResourceError("no stub at index", index)
	}
	sr.stubs = append(sr.stubs[:index], sr.stubs[index+1:]...)
	return nil
}

// ReplaceAtIndex replaces the stub at index, resetting its cursor
func (sr *StubRepository) ReplaceAtIndex(stub Stub, index int) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if index < 0 || index >= len(sr.stubs) {
		return util.NewMissingResourceError("no stub at index", index)
	}
	sr.stubs[index] = newStubEntry(stub)
	return nil
}

// ReplaceAll replaces every stub
func (sr *StubRepository) ReplaceAll(stubs []Stub) {
	entries := make([]*stubEntry, len(stubs))
	for i, stub := range stubs {
		entries[i] = newStubEntry(stub)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.stubs = entries
}

// All returns copies of the stubs with responses in configured order.
// Matches are included only when match recording is enabled.
func (sr *StubRepository) All() []Stub {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	stubs := make([]Stub, len(sr.stubs))
	for i, entry := range sr.stubs {
		stubs[i] = entry.toStub(sr.recordMatches)
	}
	return stubs
}

// Count returns the number of stubs
func (sr *StubRepository) Count() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.stubs)
}

// RecordProxyResponse stores recorded, the replayable form of a proxied
// response, under predicates generated from request. In proxyAlways mode the
// response is appended to the first stub after the proxy stub with identical
// predicates, otherwise a new stub is added at the end. In proxyOnce mode the new
// stub is inserted ahead of the proxy stub so it wins subsequent matches.
func (sr *StubRepository) RecordProxyResponse(source *ResponseConfig, request *Request, recorded ResponseConfig) {
	proxy := source.Proxy
	predicates := GeneratePredicates(request, proxy.PredicateGenerators, sr.logger)
	mode := proxy.Mode
	if mode != ProxyOnce && mode != ProxyAlways {
		if mode != "" {
			sr.logger.Warnf("unrecognized proxy mode %q, using %s", mode, ProxyOnce)
		}
		mode = ProxyOnce
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	index := -1
	for i, entry := range sr.stubs {
		if entry.owns(source) {
			index = i
			break
		}
	}

	if mode == ProxyAlways {
		key := predicatesKey(predicates)
		for _, entry := range sr.stubs[index+1:] {
			if predicatesKey(entry.predicates) == key {
				entry.responses = append(entry.responses, &recorded)
				return
			}
		}
		sr.stubs = append(sr.stubs, &stubEntry{predicates: predicates, responses: []*ResponseConfig{&recorded}, recorded: true})
		return
	}

	sr.insert(&stubEntry{predicates: predicates, responses: []*ResponseConfig{&recorded}, recorded: true}, index)
}

func predicatesKey(predicates []Predicate) string {
	if len(predicates) == 0 {
		return "[]"
	}
	return util.StableStringify(predicates)
}

// DeleteSavedProxyResponses removes every stub created by proxy recording
func (sr *StubRepository) DeleteSavedProxyResponses() {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	kept := sr.stubs[:0]
	for _, entry := range sr.stubs {
		if !entry.recorded {
			kept = append(kept, entry)
		}
	}
	for i := len(kept); i < len(sr.stubs); i++ {
		sr.stubs[i] = nil
	}
	sr.stubs = kept
}
