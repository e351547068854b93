package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/config"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

// #region helpers

func makeCases(n int) []store.TestCase {
	out := make([]store.TestCase, n)
	for i := range out {
		out[i] = store.TestCase{
			ID:    fmt.Sprintf("tc-%02d", i),
			Name:  fmt.Sprintf("case %d", i),
			Type:  store.CaseChat,
			Input: json.RawMessage(`{"userMessage":"hi"}`),
		}
	}
	return out
}

func passed(ok bool) *Validation {
	return &Validation{Overall: &Overall{Passed: ok, Score: 90}}
}

// echoServer replies with every even-indexed case passing.
func echoServer(t *testing.T, calls *int32, seen *[]request) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		*seen = append(*seen, req)
		res := BatchResult{OK: true, EvalRunID: "run-1"}
		for i, c := range req.TestCases {
			res.Results = append(res.Results, CaseResult{TestCase: c, Validation: passed(i%2 == 0)})
		}
		res.Summary = Summarize(res.Results)
		json.NewEncoder(w).Encode(res)
	}))
}

func httpConfig(url string) config.RunnerConfig {
	cfg := config.Default().Runner
	cfg.URL = url
	cfg.RequestsPerSecond = 0
	return cfg
}

// #endregion helpers

// #region helper-tests

func TestPassRate(t *testing.T) {
	assert.Equal(t, 0, PassRate(nil))
	results := []CaseResult{{Validation: passed(true)}, {Validation: passed(false)}, {Validation: nil}}
	assert.Equal(t, 33, PassRate(results))
	assert.InDelta(t, 33.333, PassRatio(results), 0.001)
	assert.Equal(t, 0.0, PassRatio(nil))
	results = append(results, CaseResult{Validation: passed(true)})
	assert.Equal(t, 50, PassRate(results))
}

func TestSummarizeSkipsUnvalidated(t *testing.T) {
	s := Summarize([]CaseResult{{Validation: passed(true)}, {Validation: passed(false)}, {}})
	assert.Equal(t, Summary{Total: 3, Passed: 1, Failed: 1}, s)
}

func TestValidate(t *testing.T) {
	res := BatchResult{OK: true, Results: []CaseResult{{Validation: passed(true)}}}
	require.NoError(t, Validate(&res))
	assert.Equal(t, 1, res.Summary.Total, "summary rebuilt from results")

	notOK := BatchResult{OK: false, Error: "boom"}
	err := Validate(&notOK)
	assert.True(t, apperr.IsUpstream(err))
	assert.Contains(t, err.Error(), "boom")

	bad := BatchResult{OK: true, Results: []CaseResult{{Validation: &Validation{Overall: &Overall{Score: 150}}}}}
	assert.True(t, apperr.IsUpstream(Validate(&bad)))

	noOverall := BatchResult{OK: true, Results: []CaseResult{{Validation: &Validation{}}}}
	assert.True(t, apperr.IsUpstream(Validate(&noOverall)))
}

func TestFailedChecksAndFlags(t *testing.T) {
	v := &Validation{
		Overall:            &Overall{},
		KeywordResults:     &KeywordResults{Checks: []Check{{Passed: true, Message: "ok"}, {Passed: false, Message: "missing Sol Ring"}}},
		ValidatorBreakdown: &Breakdown{Flags: Flags{HallucinationRisk: true}},
	}
	assert.Equal(t, []string{"missing Sol Ring"}, v.FailedChecks())
	assert.True(t, CaseResult{Validation: v}.HallucinationRisk())
	assert.False(t, CaseResult{}.HallucinationRisk())
	assert.Equal(t, "", CaseResult{}.ResponseText())
}

func TestCaseResultRecord(t *testing.T) {
	at := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	res := CaseResult{
		TestCase: Case{ID: "tc-01"},
		Validation: &Validation{
			Overall:            &Overall{Passed: false, Score: 42},
			ValidatorBreakdown: &Breakdown{Flags: Flags{HallucinationRisk: true}},
		},
	}
	rec, ok := res.Record("run-1", at)
	require.True(t, ok)
	assert.Equal(t, "tc-01", rec.TestCaseID)
	assert.Equal(t, "run-1", rec.EvalRunID)
	assert.False(t, rec.Passed)
	assert.True(t, rec.HallucinationRisk)
	assert.Equal(t, 42.0, rec.Score)
	assert.Equal(t, at, rec.CreatedAt)
	assert.Contains(t, string(rec.Validation), `"score":42`)

	rec, ok = CaseResult{TestCase: Case{ID: "tc-02"}}.Record("run-1", at)
	require.True(t, ok)
	assert.False(t, rec.Passed)
	assert.Empty(t, rec.Validation)

	_, ok = CaseResult{}.Record("run-1", at)
	assert.False(t, ok)

	rec, ok = CaseResult{TestCase: Case{ID: "tc-03"}, EvalRunID: "run-2"}.Record("run-1", at)
	require.True(t, ok)
	assert.Equal(t, "run-2", rec.EvalRunID)
}

// #endregion helper-tests

// #region http-tests

func TestHTTPRunnerChunks(t *testing.T) {
	var calls int32
	var seen []request
	srv := echoServer(t, &calls, &seen)
	defer srv.Close()

	r := NewHTTPRunner(httpConfig(srv.URL), nil)
	res, err := r.Execute(context.Background(), makeCases(25), Options{PromptVersionID: "pv-b", Suite: "s", FormatKey: "commander"})
	require.NoError(t, err)

	assert.EqualValues(t, 3, calls)
	require.Len(t, seen, 3)
	assert.Len(t, seen[0].TestCases, 12)
	assert.Len(t, seen[2].TestCases, 1)
	assert.Equal(t, "pv-b", seen[1].PromptVersionID)
	assert.Equal(t, "commander", seen[1].FormatKey)

	assert.Len(t, res.Results, 25)
	assert.Equal(t, 25, res.Summary.Total)
	assert.Equal(t, "run-1", res.EvalRunID)
	assert.Equal(t, "tc-24", res.Results[24].TestCase.ID)
}

func TestHTTPRunnerChunksKeepRunIDs(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		res := BatchResult{OK: true, EvalRunID: fmt.Sprintf("run-%d", n)}
		for _, c := range req.TestCases {
			res.Results = append(res.Results, CaseResult{TestCase: c, Validation: passed(true)})
		}
		res.Summary = Summarize(res.Results)
		json.NewEncoder(w).Encode(res)
	}))
	defer srv.Close()

	res, err := NewHTTPRunner(httpConfig(srv.URL), nil).Execute(context.Background(), makeCases(25), Options{})
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.EvalRunID)

	at := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	ids := map[string]int{}
	for _, cr := range res.Results {
		rec, ok := cr.Record(res.EvalRunID, at)
		require.True(t, ok)
		ids[rec.EvalRunID]++
	}
	assert.Equal(t, map[string]int{"run-1": 12, "run-2": 12, "run-3": 1}, ids)
}

func TestHTTPRunnerEmpty(t *testing.T) {
	r := NewHTTPRunner(httpConfig("http://127.0.0.1:1"), nil)
	res, err := r.Execute(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, res.Results)
}

func TestHTTPRunnerNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewHTTPRunner(httpConfig(srv.URL), nil).Execute(context.Background(), makeCases(2), Options{})
	require.Error(t, err)
	assert.True(t, apperr.IsUpstream(err))
	assert.Contains(t, err.Error(), "403")
}

func TestHTTPRunnerNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":"testCases array required"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPRunner(httpConfig(srv.URL), nil).Execute(context.Background(), makeCases(1), Options{})
	assert.True(t, apperr.IsUpstream(err))
}

func TestHTTPRunnerGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	_, err := NewHTTPRunner(httpConfig(srv.URL), nil).Execute(context.Background(), makeCases(1), Options{})
	assert.True(t, apperr.IsUpstream(err))
}

func TestHTTPRunnerCancelled(t *testing.T) {
	var calls int32
	var seen []request
	srv := echoServer(t, &calls, &seen)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHTTPRunner(httpConfig(srv.URL), nil).Execute(ctx, makeCases(3), Options{})
	assert.Error(t, err)
}

// #endregion http-tests

// #region grpc-tests

type fakeConn struct {
	grpc.ClientConnInterface

	method string
	req    *structpb.Struct
	reply  string
	err    error
}

func (f *fakeConn) Invoke(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	f.method = method
	f.req = args.(*structpb.Struct)
	if f.err != nil {
		return f.err
	}
	return protojson.Unmarshal([]byte(f.reply), reply.(*structpb.Struct))
}

func TestGRPCRunnerExecute(t *testing.T) {
	conn := &fakeConn{reply: `{
		"ok": true,
		"evalRunId": "run-9",
		"results": [
			{"testCase": {"id": "tc-00"}, "validation": {"overall": {"passed": true, "score": 92}}},
			{"testCase": {"id": "tc-01"}, "validation": {"overall": {"passed": false, "score": 40}}}
		],
		"summary": {"total": 2, "passed": 1, "failed": 1}
	}`}
	r := NewGRPCRunner(conn, nil)
	res, err := r.Execute(context.Background(), makeCases(2), Options{PromptVersionID: "pv-c"})
	require.NoError(t, err)

	assert.Equal(t, ExecuteMethod, conn.method)
	assert.Equal(t, "pv-c", conn.req.Fields["promptVersionId"].GetStringValue())
	assert.Len(t, conn.req.Fields["testCases"].GetListValue().GetValues(), 2)
	assert.Equal(t, "run-9", res.EvalRunID)
	assert.Equal(t, 50, PassRate(res.Results))
	assert.NoError(t, r.Close())
}

func TestGRPCRunnerRPCError(t *testing.T) {
	r := NewGRPCRunner(&fakeConn{err: errors.New("unavailable")}, nil)
	_, err := r.Execute(context.Background(), makeCases(1), Options{})
	assert.True(t, apperr.IsUpstream(err))
}

func TestNewSelectsTransport(t *testing.T) {
	cfg := config.Default().Runner
	r, err := New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTPRunner{}, r)

	cfg.Transport = "grpc"
	cfg.URL = "localhost:0"
	r, err = New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &GRPCRunner{}, r)
	r.(*GRPCRunner).Close()

	cfg.Transport = "carrier-pigeon"
	_, err = New(cfg, nil)
	assert.Error(t, err)
}

// #endregion grpc-tests
