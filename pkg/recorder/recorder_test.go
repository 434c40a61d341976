package recorder

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/httpseal/flowtap/pkg/filter"
	"github.com/httpseal/flowtap/pkg/flow"
	"github.com/httpseal/flowtap/pkg/logger"
	"github.com/httpseal/flowtap/pkg/metrics"
	"github.com/httpseal/flowtap/pkg/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	dir      string
	logs     *bytes.Buffer
	recorder *Recorder
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	if opts.LogDir == "" {
		opts.LogDir = t.TempDir()
	}
	logs := &bytes.Buffer{}
	log := logger.NewWriter(&syncWriter{w: logs}, true)
	m := metrics.NewCollector()
	w, err := sink.NewWriter("utf-8", log, m)
	require.NoError(t, err)

	return &testEnv{
		dir:      opts.LogDir,
		logs:     logs,
		recorder: New(opts, filter.NewEngine(), w, log, m),
	}
}

func (e *testEnv) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.dir, name))
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func newFlow(id, url string) *flow.Flow {
	return &flow.Flow{
		ID:         id,
		ClientAddr: "127.0.0.1:41000",
		Request: &flow.Request{
			Method:    "GET",
			URL:       url,
			PrettyURL: url,
			Headers:   flow.Headers{{Name: "Accept", Value: "*/*"}},
		},
	}
}

func respond(f *flow.Flow, status int, body string) *flow.Flow {
	f.Response = &flow.Response{
		StatusCode: status,
		Headers:    flow.Headers{{Name: "Content-Type", Value: "text/plain"}},
		Body:       []byte(body),
	}
	return f
}

var requestHeader = regexp.MustCompile(`=== Request #(\d+) ===`)

func TestOnLoadNamesCommand(t *testing.T) {
	env := newTestEnv(t, Options{})

	env.recorder.OnLoad()

	assert.Contains(t, env.logs.String(), "INFO: Recorder loaded. Use 'flowtap.set_filter' to set filter pattern.")
	assert.Empty(t, env.read(t, sink.CompleteFile))
}

func TestSetFilterMessages(t *testing.T) {
	env := newTestEnv(t, Options{})

	msg := env.recorder.SetFilter("/api/")
	assert.Equal(t, "Filter updated to: /api/", msg)
	assert.Contains(t, env.logs.String(), "ALERT: Filter set: /api/")

	msg = env.recorder.SetFilter("[invalid")
	assert.True(t, strings.HasPrefix(msg, "Invalid regex: "), msg)
	assert.Contains(t, msg, "missing closing ]")

	current, ok := env.recorder.Filter()
	assert.True(t, ok)
	assert.Equal(t, "/api/", current)
}

func TestRequestResponseWithoutFilter(t *testing.T) {
	env := newTestEnv(t, Options{})
	f := newFlow("a", "http://x/index.html")

	env.recorder.OnRequest(f)
	env.recorder.OnResponse(respond(f, 200, "hello"))

	want := "\n=== Request #1 ===\nGET http://x/index.html\nHeaders:\nAccept: */*\n" +
		"\n=== Response ===\nStatus: 200\nHeaders:\nContent-Type: text/plain\n\nBody:\nhello"
	assert.Equal(t, want, env.read(t, sink.CompleteFile))
	// no filter set means every flow is of interest
	assert.Equal(t, want, env.read(t, sink.FilteredFile))
	assert.Contains(t, env.logs.String(), "INFO: Checking request #1: http://x/index.html")
	assert.Contains(t, env.logs.String(), "DEBUG: Request #1 from 127.0.0.1:41000 to Unknown")
	assert.Equal(t, 0, env.recorder.OpenFlows())
}

func TestFilterScenario(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, "Filter updated to: /api/", env.recorder.SetFilter("/api/"))

	api := newFlow("api", "http://x/api/login")
	static := newFlow("static", "http://x/static/a.js")

	var wg sync.WaitGroup
	for _, f := range []*flow.Flow{api, static} {
		wg.Add(1)
		go func(f *flow.Flow) {
			defer wg.Done()
			env.recorder.OnRequest(f)
			env.recorder.OnResponse(respond(f, 200, "ok"))
		}(f)
	}
	wg.Wait()

	complete := env.read(t, sink.CompleteFile)
	assert.Equal(t, 2, strings.Count(complete, "=== Request #"))
	assert.Equal(t, 2, strings.Count(complete, "=== Response ==="))
	assert.Contains(t, complete, "GET http://x/api/login\n")
	assert.Contains(t, complete, "GET http://x/static/a.js\n")

	filtered := env.read(t, sink.FilteredFile)
	assert.Equal(t, 1, strings.Count(filtered, "=== Request #"))
	assert.Equal(t, 1, strings.Count(filtered, "=== Response ==="))
	assert.Contains(t, filtered, "GET http://x/api/login\n")
	assert.Contains(t, filtered, "Status: 200\n")
	assert.NotContains(t, filtered, "static")

	assert.Equal(t, 1, strings.Count(env.logs.String(), "ALERT: MATCHED request #"))
}

func TestInvalidFilterKeepsPreviousBehaviour(t *testing.T) {
	tests := []struct {
		name         string
		previous     string
		url          string
		wantFiltered bool
	}{
		{name: "no filter ever set", url: "http://x/static/a.js", wantFiltered: true},
		{name: "previous filter matches", previous: "/api/", url: "http://x/api/login", wantFiltered: true},
		{name: "previous filter misses", previous: "/api/", url: "http://x/static/a.js", wantFiltered: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			if tt.previous != "" {
				env.recorder.SetFilter(tt.previous)
			}

			msg := env.recorder.SetFilter("[invalid")
			require.True(t, strings.HasPrefix(msg, "Invalid regex:"))

			env.recorder.OnRequest(newFlow("f", tt.url))

			assert.Contains(t, env.read(t, sink.CompleteFile), tt.url)
			if tt.wantFiltered {
				assert.Contains(t, env.read(t, sink.FilteredFile), tt.url)
			} else {
				assert.Empty(t, env.read(t, sink.FilteredFile))
			}
		})
	}
}

func TestResponseReevaluatesFilter(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.recorder.SetFilter("/api/")
	f := newFlow("a", "http://x/api/login")

	env.recorder.OnRequest(f)
	env.recorder.SetFilter("/other/")
	env.recorder.OnResponse(respond(f, 200, ""))

	filtered := env.read(t, sink.FilteredFile)
	assert.Equal(t, 1, strings.Count(filtered, "=== Request #1 ==="))
	assert.NotContains(t, filtered, "=== Response ===")
	assert.Contains(t, env.read(t, sink.CompleteFile), "=== Response ===")
}

func TestConcurrentRequestsGetDistinctSequenceNumbers(t *testing.T) {
	env := newTestEnv(t, Options{})
	const n = 100

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := newFlow(fmt.Sprintf("flow-%d", i), fmt.Sprintf("http://x/item/%d", i))
			env.recorder.OnRequest(f)
			env.recorder.OnResponse(respond(f, 204, ""))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(n), env.recorder.Sequence())
	assert.Equal(t, 0, env.recorder.OpenFlows())

	seen := map[string]bool{}
	for _, m := range requestHeader.FindAllStringSubmatch(env.read(t, sink.CompleteFile), -1) {
		assert.False(t, seen[m[1]], "duplicate sequence %s", m[1])
		seen[m[1]] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, strings.Count(env.read(t, sink.CompleteFile), "=== Response ==="))
}

func TestResponseReusesItsRequestSequence(t *testing.T) {
	env := newTestEnv(t, Options{})
	first := newFlow("first", "http://x/1")
	second := newFlow("second", "http://x/2")

	env.recorder.OnRequest(first)
	env.recorder.OnRequest(second)
	require.Equal(t, 2, env.recorder.OpenFlows())

	env.recorder.OnResponse(respond(first, 201, ""))
	assert.Contains(t, env.logs.String(), "INFO: Response for request #1: 201")
	assert.NotContains(t, env.logs.String(), "Response for request #2")

	env.recorder.OnResponse(respond(second, 404, ""))
	assert.Contains(t, env.logs.String(), "INFO: Response for request #2: 404")
	assert.Equal(t, 0, env.recorder.OpenFlows())
	assert.Equal(t, uint64(2), env.recorder.Sequence())
}

func TestUntrackedResponseUsesCurrentSequence(t *testing.T) {
	env := newTestEnv(t, Options{})

	env.recorder.OnRequest(newFlow("a", "http://x/1"))
	env.recorder.OnRequest(newFlow("b", "http://x/2"))
	env.recorder.OnResponse(respond(newFlow("stranger", "http://x/3"), 200, ""))

	assert.Contains(t, env.logs.String(), "INFO: Response for request #2: 200")
	assert.Equal(t, 2, env.recorder.OpenFlows())
}

func TestOnErrorForgetsFlow(t *testing.T) {
	env := newTestEnv(t, Options{})
	f := newFlow("lost", "http://x/slow")

	env.recorder.OnRequest(f)
	env.recorder.OnError(f)

	assert.Equal(t, 0, env.recorder.OpenFlows())
	assert.Contains(t, env.logs.String(), "Request #1 closed without response")
}

func TestSinkFailureDoesNotBlockOtherSink(t *testing.T) {
	env := newTestEnv(t, Options{})
	// a directory where the filtered log should be makes every append fail
	require.NoError(t, os.Mkdir(filepath.Join(env.dir, sink.FilteredFile), 0755))
	f := newFlow("a", "http://x/api/login")

	assert.NotPanics(t, func() {
		env.recorder.OnRequest(f)
		env.recorder.OnResponse(respond(f, 500, "err"))
	})

	complete := env.read(t, sink.CompleteFile)
	assert.Contains(t, complete, "=== Request #1 ===")
	assert.Contains(t, complete, "Status: 500")
	assert.Equal(t, 2, strings.Count(env.logs.String(), "WARN: Failed to write filtered log"))
}

func TestMaxBodySizeTruncates(t *testing.T) {
	env := newTestEnv(t, Options{MaxBodySize: 4})
	f := newFlow("a", "http://x/")
	f.Request.Method = "POST"
	f.Request.Body = []byte("abcdefgh")

	env.recorder.OnRequest(f)
	env.recorder.OnResponse(respond(f, 200, "xyz"))

	complete := env.read(t, sink.CompleteFile)
	assert.Contains(t, complete, "\nBody:\nabcd... (truncated)")
	assert.True(t, strings.HasSuffix(complete, "\nBody:\nxyz"))
	assert.Equal(t, []byte("abcdefgh"), f.Request.Body)
}

func TestIgnoresIncompleteFlows(t *testing.T) {
	env := newTestEnv(t, Options{})

	env.recorder.OnRequest(nil)
	env.recorder.OnRequest(&flow.Flow{ID: "x"})
	env.recorder.OnResponse(newFlow("y", "http://x/"))

	assert.Equal(t, uint64(0), env.recorder.Sequence())
	assert.Empty(t, env.read(t, sink.CompleteFile))
}
