package models

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubsFrom(t *testing.T, source string) []Stub {
	t.Helper()
	var stubs []Stub
	require.NoError(t, json.Unmarshal([]byte(source), &stubs))
	return stubs
}

func newTestStubRepository(t *testing.T, recordMatches bool, source string) *StubRepository {
	t.Helper()
	repo := NewStubRepository(newTestEvaluator(), recordMatches, newTestLogger())
	repo.ReplaceAll(stubsFrom(t, source))
	return repo
}

func nextStatus(repo *StubRepository, request *Request) int {
	return repo.Next(request).ResponseConfig.Is.StatusCode
}

func TestNextHonorsRepeatAndWrapsAround(t *testing.T) {
	repo := newTestStubRepository(t, false, `[{"responses": [
		{"repeat": 2, "is": {"statusCode": 400}},
		{"is": {"statusCode": 500}}
	]}]`)

	var statuses []int
	for i := 0; i < 7; i++ {
		statuses = append(statuses, nextStatus(repo, &Request{}))
	}

	assert.Equal(t, []int{400, 400, 500, 400, 400, 500, 400}, statuses)
}

func TestNextAcceptsRepeatInsideBehaviors(t *testing.T) {
	repo := newTestStubRepository(t, false, `[{"responses": [
		{"is": {"statusCode": 201}, "_behaviors": {"repeat": 2}},
		{"is": {"statusCode": 202}}
	]}]`)

	assert.Equal(t, 201, nextStatus(repo, &Request{}))
	assert.Equal(t, 201, nextStatus(repo, &Request{}))
	assert.Equal(t, 202, nextStatus(repo, &Request{}))
}

func TestNextUsesFirstMatchingStub(t *testing.T) {
	repo := newTestStubRepository(t, false, `[
		{"predicates": [{"equals": {"path": "/first"}}], "responses": [{"is": {"statusCode": 201}}]},
		{"predicates": [{"startsWith": {"path": "/f"}}], "responses": [{"is": {"statusCode": 202}}]},
		{"responses": [{"is": {"statusCode": 203}}]}
	]`)

	match := repo.Next(&Request{Path: "/first"})
	assert.True(t, match.Matched)
	assert.Equal(t, 0, match.Index)
	assert.Equal(t, 201, match.ResponseConfig.Is.StatusCode)

	assert.Equal(t, 202, nextStatus(repo, &Request{Path: "/fun"}))
	assert.Equal(t, 203, nextStatus(repo, &Request{Path: "/other"}))
}

func TestNextWithoutMatchUsesDefaultResponse(t *testing.T) {
	repo := newTestStubRepository(t, false, `[
		{"predicates": [{"equals": {"path": "/only"}}], "responses": [{"is": {"statusCode": 201}}]}
	]`)

	match := repo.Next(&Request{Path: "/elsewhere"})

	assert.False(t, match.Matched)
	assert.Equal(t, -1, match.Index)
	require.NotNil(t, match.ResponseConfig.Is)
	assert.Equal(t, 0, match.ResponseConfig.Is.StatusCode)
}

func TestStubWithoutResponsesReturnsEmptyIs(t *testing.T) {
	repo := newTestStubRepository(t, false, `[{"responses": []}]`)

	match := repo.Next(&Request{})

	assert.True(t, match.Matched)
	require.NotNil(t, match.ResponseConfig.Is)
}

func TestStubsAreOnlyAdvancedWhenMatched(t *testing.T) {
	repo := newTestStubRepository(t, false, `[
		{"predicates": [{"equals": {"path": "/a"}}], "responses": [{"is": {"statusCode": 1}}, {"is": {"statusCode": 2}}]},
		{"responses": [{"is": {"statusCode": 3}}, {"is": {"statusCode": 4}}]}
	]`)

	assert.Equal(t, 3, nextStatus(repo, &Request{Path: "/b"}))
	assert.Equal(t, 1, nextStatus(repo, &Request{Path: "/a"}))
	assert.Equal(t, 4, nextStatus(repo, &Request{Path: "/b"}))
	assert.Equal(t, 2, nextStatus(repo, &Request{Path: "/a"}))
}

func TestRecordMatch(t *testing.T) {
	source := `[{"responses": [{"is": {"statusCode": 200}}]}]`

	t.Run("enabled", func(t *testing.T) {
		repo := newTestStubRepository(t, true, source)
		request := &Request{Method: "GET", Path: "/"}
		match := repo.Next(request)
		repo.RecordMatch(match, request, &Response{StatusCode: 200}, nil)

		stubs := repo.All()
		require.Len(t, stubs[0].Matches, 1)
		recorded := stubs[0].Matches[0]
		assert.NotEmpty(t, recorded.ID)
		assert.NotEmpty(t, recorded.Timestamp)
		assert.Equal(t, "/", recorded.Request.Path)
		assert.Equal(t, 200, recorded.Response.StatusCode)
	})

	t.Run("disabled", func(t *testing.T) {
		repo := newTestStubRepository(t, false, source)
		request := &Request{}
		repo.RecordMatch(repo.Next(request), request, &Response{}, nil)

		assert.Empty(t, repo.All()[0].Matches)
	})

	t.Run("dry run", func(t *testing.T) {
		repo := newTestStubRepository(t, true, source)
		request := &Request{IsDryRun: true}
		repo.RecordMatch(repo.Next(request), request, &Response{}, nil)

		assert.Empty(t, repo.All()[0].Matches)
	})

	t.Run("default stub", func(t *testing.T) {
		repo := newTestStubRepository(t, true, `[{"predicates": [{"equals": {"path": "/x"}}], "responses": []}]`)
		request := &Request{Path: "/y"}
		repo.RecordMatch(repo.Next(request), request, &Response{}, nil)

		assert.Empty(t, repo.All()[0].Matches)
	})
}

func TestIndexOperations(t *testing.T) {
	repo := newTestStubRepository(t, false, `[
		{"responses": [{"is": {"statusCode": 1}}]},
		{"responses": [{"is": {"statusCode": 2}}]}
	]`)

	repo.InsertAtIndex(stubsFrom(t, `[{"responses": [{"is": {"statusCode": 0}}]}]`)[0], 0)
	repo.Add(stubsFrom(t, `[{"responses": [{"is": {"statusCode": 3}}]}]`)[0])
	require.Equal(t, 4, repo.Count())
	assert.Equal(t, 0, nextStatus(repo, &Request{}))

	require.NoError(t, repo.DeleteAtIndex(0))
	assert.Equal(t, 1, nextStatus(repo, &Request{}))

	require.NoError(t, repo.ReplaceAtIndex(stubsFrom(t, `[{"responses": [{"is": {"statusCode": 9}}]}]`)[0], 0))
	assert.Equal(t, 9, nextStatus(repo, &Request{}))

	err := repo.DeleteAtIndex(10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such resource")
	assert.Error(t, repo.ReplaceAtIndex(Stub{}, -1))
}

func TestAllReturnsCopies(t *testing.T) {
	repo := newTestStubRepository(t, false, `[{"responses": [{"is": {"statusCode": 200, "body": "original"}}]}]`)

	stubs := repo.All()
	stubs[0].Responses[0].Is.Body = "changed"

	assert.Equal(t, "original", repo.Next(&Request{}).ResponseConfig.Is.Body)
}

func TestRecordProxyResponseProxyOnceInsertsBeforeProxy(t *testing.T) {
	repo := newTestStubRepository(t, false, `[
		{"predicates": [{"equals": {"path": "/static"}}], "responses": [{"is": {"statusCode": 204}}]},
		{"responses": [{"proxy": {"to": "http://origin", "predicateGenerators": [{"matches": {"path": true}}]}}]}
	]`)
	request := &Request{Method: "GET", Path: "/orders"}

	match := repo.Next(request)
	require.NotNil(t, match.ResponseConfig.Proxy)
	repo.RecordProxyResponse(match.ResponseConfig, request, ResponseConfig{Is: &Response{StatusCode: 201}})

	stubs := repo.All()
	require.Len(t, stubs, 3)
	assert.Equal(t, 204, stubs[0].Responses[0].Is.StatusCode)
	assert.Equal(t, map[string]interface{}{"path": "/orders"}, stubs[1].Predicates[0].DeepEquals)
	assert.Equal(t, 201, stubs[1].Responses[0].Is.StatusCode)
	assert.NotNil(t, stubs[2].Responses[0].Proxy)

	assert.Equal(t, 201, nextStatus(repo, request))
	assert.NotNil(t, repo.Next(&Request{Path: "/new"}).ResponseConfig.Proxy)
}

func TestRecordProxyResponseProxyAlwaysAppends(t *testing.T) {
	repo := newTestStubRepository(t, false, `[
		{"responses": [{"proxy": {"to": "http://origin", "mode": "proxyAlways", "predicateGenerators": [{"matches": {"path": true}}]}}]}
	]`)
	first := &Request{Path: "/a"}
	second := &Request{Path: "/b"}

	for i, request := range []*Request{first, first, second} {
		match := repo.Next(request)
		repo.RecordProxyResponse(match.ResponseConfig, request, ResponseConfig{Is: &Response{StatusCode: 200 + i}})
	}

	stubs := repo.All()
	require.Len(t, stubs, 3)
	assert.NotNil(t, stubs[0].Responses[0].Proxy)
	require.Len(t, stubs[1].Responses, 2)
	assert.Equal(t, 200, stubs[1].Responses[0].Is.StatusCode)
	assert.Equal(t, 201, stubs[1].Responses[1].Is.StatusCode)
	require.Len(t, stubs[2].Responses, 1)
	assert.Equal(t, 202, stubs[2].Responses[0].Is.StatusCode)

	assert.NotNil(t, repo.Next(first).ResponseConfig.Proxy)
}

func TestRecordProxyResponseProxyAlwaysExtendsLoadedStubs(t *testing.T) {
	repo := newTestStubRepository(t, false, `[
		{"predicates": [{"deepEquals": {"path": "/a"}}], "responses": [{"is": {"statusCode": 100}}]},
		{"responses": [{"proxy": {"to": "http://origin", "mode": "proxyAlways", "predicateGenerators": [{"matches": {"path": true}}]}}]},
		{"predicates": [{"deepEquals": {"path": "/a"}}], "responses": [{"is": {"statusCode": 200}}]}
	]`)
	request := &Request{Path: "/a"}
	proxy := repo.All()[1].Responses[0]
	source := repo.Next(&Request{Path: "/other"}).ResponseConfig
	require.Equal(t, proxy.Proxy.To, source.Proxy.To)

	repo.RecordProxyResponse(source, request, ResponseConfig{Is: &Response{StatusCode: 201}})

	stubs := repo.All()
	require.Len(t, stubs, 3)
	require.Len(t, stubs[0].Responses, 1, "stubs ahead of the proxy are left alone")
	require.Len(t, stubs[2].Responses, 2)
	assert.Equal(t, 200, stubs[2].Responses[0].Is.StatusCode)
	assert.Equal(t, 201, stubs[2].Responses[1].Is.StatusCode)
}

func TestRecordProxyResponseUnknownModeFallsBackToProxyOnce(t *testing.T) {
	repo := newTestStubRepository(t, false, `[
		{"responses": [{"proxy": {"to": "http://origin", "mode": "sometimes"}}]}
	]`)
	request := &Request{Path: "/"}

	repo.RecordProxyResponse(repo.Next(request).ResponseConfig, request, ResponseConfig{Is: &Response{StatusCode: 418}})

	stubs := repo.All()
	require.Len(t, stubs, 2)
	assert.Equal(t, 418, stubs[0].Responses[0].Is.StatusCode)
	assert.Empty(t, stubs[0].Predicates)
}

func TestDeleteSavedProxyResponses(t *testing.T) {
	repo := newTestStubRepository(t, false, `[
		{"responses": [{"proxy": {"to": "http://origin", "predicateGenerators": [{"matches": {"path": true}}]}}]}
	]`)
	for _, path := range []string{"/a", "/b"} {
		request := &Request{Path: path}
		repo.RecordProxyResponse(repo.Next(request).ResponseConfig, request, ResponseConfig{Is: &Response{}})
	}
	require.Equal(t, 3, repo.Count())

	repo.DeleteSavedProxyResponses()

	stubs := repo.All()
	require.Len(t, stubs, 1)
	assert.NotNil(t, stubs[0].Responses[0].Proxy)
}

func TestNextIsSafeForConcurrentUse(t *testing.T) {
	repo := newTestStubRepository(t, false, `[{"responses": [
		{"is": {"statusCode": 1}},
		{"is": {"statusCode": 2}}
	]}]`)

	const workers = 8
	const perWorker = 50
	counts := make(map[int]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				status := nextStatus(repo, &Request{})
				mu.Lock()
				counts[status]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker/2, counts[1])
	assert.Equal(t, workers*perWorker/2, counts[2])
}
