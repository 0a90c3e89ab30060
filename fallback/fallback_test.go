package fallback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/medrag/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearcher struct {
	results []WebResult
	err     error
	block   bool
	calls   atomic.Int32
}

func (f *fakeSearcher) Search(ctx context.Context, query string) ([]WebResult, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.results, f.err
}

func fused(score float64) []core.FusedResult {
	return []core.FusedResult{{ChunkID: 1, Score: score, Rank: 1}}
}

// run mirrors how the consultation pipeline drives the gate.
func run(t *testing.T, g *Gate, top []core.FusedResult) ([]core.Context, bool, error) {
	t.Helper()
	if _, needed := g.Decide(top); !needed {
		return nil, false, nil
	}
	return g.Augment(context.Background(), "发热", nil)
}

func TestGateThreshold(t *testing.T) {
	tests := []struct {
		name      string
		fused     []core.FusedResult
		wantCalls int32
	}{
		{"empty list", nil, 1},
		{"well below", fused(0.1), 1},
		{"just below", fused(0.2999), 1},
		{"at threshold", fused(0.3), 0},
		{"above", fused(0.31), 0},
		{"confident", fused(0.85), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSearcher{results: []WebResult{{Title: "t", Snippet: "s", URL: "u"}}}
			g, err := NewGate(s, WithThreshold(0.3))
			require.NoError(t, err)

			_, used, err := run(t, g, tt.fused)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCalls, s.calls.Load())
			assert.Equal(t, tt.wantCalls == 1, used)
		})
	}
}

func TestGateDecideConfidence(t *testing.T) {
	g, err := NewGate(&fakeSearcher{})
	require.NoError(t, err)

	conf, needed := g.Decide(fused(0.85))
	assert.Equal(t, 0.85, conf)
	assert.False(t, needed)

	conf, needed = g.Decide(nil)
	assert.Equal(t, 0.0, conf)
	assert.True(t, needed)
}

func TestGateDisabled(t *testing.T) {
	g, err := NewGate(&fakeSearcher{}, WithEnabled(false))
	require.NoError(t, err)

	_, needed := g.Decide(nil)
	assert.False(t, needed)
}

func TestAugmentAppendsLowWeightContexts(t *testing.T) {
	s := &fakeSearcher{results: []WebResult{
		{Title: "发热怎么办", Snippet: "多喝水", URL: "https://example.org/a"},
		{Title: "空", Snippet: "", URL: "https://example.org/b"},
	}}
	g, err := NewGate(s, WithWeight(0.1))
	require.NoError(t, err)

	existing := []core.Context{{ChunkID: 9, Content: "知识库内容", Source: core.ChannelVector, Weight: 1}}
	out, used, err := g.Augment(context.Background(), "发热", existing)
	require.NoError(t, err)
	assert.True(t, used)
	require.Len(t, out, 2)

	web := out[1]
	assert.Equal(t, core.ChannelWeb, web.Source)
	assert.Equal(t, "多喝水", web.Content)
	assert.Equal(t, "https://example.org/a", web.URL)
	assert.Equal(t, 0.1, web.Weight)
	assert.Zero(t, web.ChunkID)
}

func TestAugmentFailureIsData(t *testing.T) {
	s := &fakeSearcher{err: errors.New("503")}
	g, err := NewGate(s)
	require.NoError(t, err)

	existing := []core.Context{{ChunkID: 9}}
	out, used, err := g.Augment(context.Background(), "发热", existing)
	assert.ErrorIs(t, err, core.ErrFallbackUnavailable)
	assert.False(t, used)
	assert.Equal(t, existing, out)
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestAugmentTimeout(t *testing.T) {
	s := &fakeSearcher{block: true}
	g, err := NewGate(s, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, used, err := g.Augment(context.Background(), "发热", nil)
	assert.ErrorIs(t, err, core.ErrFallbackUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, used)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAugmentNoResults(t *testing.T) {
	g, err := NewGate(&fakeSearcher{})
	require.NoError(t, err)

	out, used, err := g.Augment(context.Background(), "发热", nil)
	require.NoError(t, err)
	assert.False(t, used)
	assert.Empty(t, out)
}

func TestNewGateValidation(t *testing.T) {
	_, err := NewGate(nil)
	assert.ErrorIs(t, err, ErrSearcherRequired)

	_, err = NewGate(&fakeSearcher{}, WithThreshold(2))
	assert.Error(t, err)

	_, err = NewGate(&fakeSearcher{}, WithTimeout(0))
	assert.Error(t, err)
}

func TestBingSearcher(t *testing.T) {
	var gotQuery, gotKey, gotCount, gotMarket, gotFilter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotCount = r.URL.Query().Get("count")
		gotMarket = r.URL.Query().Get("mkt")
		gotFilter = r.URL.Query().Get("responseFilter")
		gotKey = r.Header.Get("Ocp-Apim-Subscription-Key")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"webPages":{"value":[
			{"name":"发热的处理","url":"https://a.example","snippet":"体温超过38.5度可服用退热药"},
			{"name":"b","url":"https://b.example","snippet":"b"},
			{"name":"c","url":"https://c.example","snippet":"c"},
			{"name":"d","url":"https://d.example","snippet":"d"}
		]}}`)
	}))
	defer srv.Close()

	cfg := DefaultBingConfig()
	cfg.Endpoint = srv.URL
	cfg.APIKey = "secret"
	b := NewBingSearcher(cfg)

	results, err := b.Search(context.Background(), "发热")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "发热的处理", results[0].Title)
	assert.Equal(t, "https://a.example", results[0].URL)

	assert.Equal(t, "发热 医疗健康", gotQuery)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "3", gotCount)
	assert.Equal(t, "zh-CN", gotMarket)
	assert.Equal(t, "Webpages", gotFilter)
}

func TestBingSearcherErrors(t *testing.T) {
	t.Run("no api key", func(t *testing.T) {
		b := NewBingSearcher(DefaultBingConfig())
		_, err := b.Search(context.Background(), "发热")
		assert.ErrorIs(t, err, ErrNoAPIKey)
		assert.ErrorIs(t, err, core.ErrFallbackUnavailable)
	})

	t.Run("bad status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
		}))
		defer srv.Close()

		cfg := DefaultBingConfig()
		cfg.Endpoint = srv.URL
		cfg.APIKey = "secret"
		_, err := NewBingSearcher(cfg).Search(context.Background(), "发热")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "429")
	})

	t.Run("breaker opens after repeated failures", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		cfg := DefaultBingConfig()
		cfg.Endpoint = srv.URL
		cfg.APIKey = "secret"
		cfg.RatePerSecond = 1000
		cfg.Burst = 100
		b := NewBingSearcher(cfg)

		for i := 0; i < 8; i++ {
			_, err := b.Search(context.Background(), "发热")
			require.Error(t, err)
		}
		assert.Equal(t, int32(5), hits.Load())
	})
}
