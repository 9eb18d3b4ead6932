package dispatch

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const testAPIKey = "test-key"

// fakeRemote emulates the remote feed service.
type fakeRemote struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	feeds     map[string]Document
	nextID    int
	failPuts  int
	getStatus int
	requests  []string
	puts      []Document
	putGate   chan struct{}
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	r := &fakeRemote{t: t, feeds: make(map[string]Document), nextID: 1000}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRemote) settings() Settings {
	return Settings{
		BaseURL: r.srv.URL,
		APIKey:  testAPIKey,
		Streams: []Stream{
			{ID: "power", Type: "derivedSI", Label: "Watts", Symbol: "W"},
			{ID: "voltage", Type: "derivedSI", Label: "Volts", Symbol: "V"},
		},
		Metadata: Metadata{Name: "lab", Disposition: "fixed", Exposure: "indoor", Domain: "physical"},
		Timeout:  2 * time.Second,
	}
}

func (r *fakeRemote) handle(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get(apiKeyHeader) != testAPIKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	r.mu.Lock()
	r.requests = append(r.requests, req.Method+" "+req.URL.Path)
	gate := r.putGate
	r.mu.Unlock()

	id := strings.TrimPrefix(req.URL.Path, feedsPath)

	switch req.Method {
	case http.MethodGet:
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.getStatus != 0 {
			w.WriteHeader(r.getStatus)
			return
		}
		if _, ok := r.feeds[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)

	case http.MethodPost:
		var doc Document
		if err := json.NewDecoder(req.Body).Decode(&doc); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.nextID++
		newID := fmt.Sprint(r.nextID)
		r.feeds[newID] = doc
		r.mu.Unlock()
		w.Header().Set("Location", r.srv.URL+feedsPath+newID)
		w.WriteHeader(http.StatusCreated)

	case http.MethodPut:
		if gate != nil {
			<-gate
		}
		body, _ := io.ReadAll(req.Body)
		var doc Document
		if err := json.Unmarshal(body, &doc); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.feeds[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.failPuts > 0 {
			r.failPuts--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		r.puts = append(r.puts, doc)
		w.WriteHeader(http.StatusOK)
	}
}

func (r *fakeRemote) setFailPuts(n int) {
	r.mu.Lock()
	r.failPuts = n
	r.mu.Unlock()
}

func (r *fakeRemote) addFeed(id string) {
	r.mu.Lock()
	r.feeds[id] = Document{}
	r.mu.Unlock()
}

func (r *fakeRemote) deliveredPuts() []Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Document(nil), r.puts...)
}

func (r *fakeRemote) requestLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.requests...)
}

// deliveredPowerValues flattens the power datapoints of every accepted PUT.
func (r *fakeRemote) deliveredPowerValues() []string {
	var out []string
	for _, doc := range r.deliveredPuts() {
		for _, ds := range doc.Datastreams {
			if ds.ID != "power" {
				continue
			}
			for _, dp := range ds.Datapoints {
				out = append(out, dp.Value)
			}
		}
	}
	return out
}

var sampleBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func powerSample(feedID int, i int, value float64) Sample {
	return Sample{
		FeedID: feedID,
		At:     sampleBase.Add(time.Duration(i) * time.Second),
		Values: map[string]float64{"power": value},
	}
}
