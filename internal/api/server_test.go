package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/hive/internal/logger"
	"github.com/samcharles93/hive/internal/moe"
	"github.com/samcharles93/hive/internal/tensor"
)

func newStatsEcho(t *testing.T) (*echo.Echo, *moe.Layer) {
	t.Helper()
	l := newBenchLayer(t)
	reg := NewRegistry()
	reg.Add(l)
	e := echo.New()
	NewServer(logger.Discard(), reg).Register(e)
	return e, l
}

func newBenchLayer(t *testing.T) *moe.Layer {
	t.Helper()
	cfg := moe.ExecutionConfig{
		NumExperts:       2,
		TopK:             1,
		HiddenSize:       4,
		IntermediateSize: 4,
		ShardCount:       1,
		Backend:          moe.BackendStandard,
		Activation:       moe.ActSilu,
		Workers:          1,
	}
	l, err := moe.NewLayer(cfg, logger.Discard())
	if err != nil {
		t.Fatalf("NewLayer: %v", err)
	}
	for g := 0; g < 2; g++ {
		gate := tensor.NewMat(4, 4)
		up := tensor.NewMat(4, 4)
		down := tensor.NewMat(4, 4)
		tensor.FillRand(gate, int64(g))
		tensor.FillRand(up, int64(g+10))
		tensor.FillRand(down, int64(g+20))
		for _, s := range []struct {
			id  moe.ShardID
			mat *tensor.Mat
		}{{moe.ShardGate, gate}, {moe.ShardUp, up}, {moe.ShardDown, down}} {
			if err := l.LoadExpertWeight(g, s.id, s.mat); err != nil {
				t.Fatalf("load %s %d: %v", s.id, g, err)
			}
		}
	}
	if err := l.FinalizeWeights(); err != nil {
		t.Fatalf("FinalizeWeights: %v", err)
	}
	return l
}

func doGet(t *testing.T, e *echo.Echo, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	e, _ := newStatsEcho(t)
	rec := doGet(t, e, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStatsReflectsForwardPasses(t *testing.T) {
	e, l := newStatsEcho(t)

	hidden := tensor.NewMat(2, 4)
	tensor.FillRand(hidden, 7)
	rt := moe.Routing{
		Experts: [][]int32{{0}, {1}},
		Weights: [][]float32{{1}, {1}},
	}
	if _, err := l.Forward(hidden, rt); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	rec := doGet(t, e, "/v1/moe/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Layers) != 1 {
		t.Fatalf("layers = %d, want 1", len(resp.Layers))
	}
	ls := resp.Layers[0]
	if ls.ID != l.ID() || ls.Experts != 2 || ls.LocalExperts != 2 {
		t.Fatalf("unexpected layer stats: %+v", ls)
	}
	if ls.Load.Passes != 1 {
		t.Fatalf("passes = %d, want 1", ls.Load.Passes)
	}
	if ls.Load.ExpertTokens[0] != 1 || ls.Load.ExpertTokens[1] != 1 {
		t.Fatalf("expert tokens = %v, want one each", ls.Load.ExpertTokens)
	}
}

func TestLayerStatsByID(t *testing.T) {
	e, l := newStatsEcho(t)

	rec := doGet(t, e, "/v1/moe/layers/"+l.ID()+"/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var ls LayerStats
	if err := json.Unmarshal(rec.Body.Bytes(), &ls); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ls.ID != l.ID() {
		t.Fatalf("id = %q, want %q", ls.ID, l.ID())
	}

	rec = doGet(t, e, "/v1/moe/layers/nonexistent/stats")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: status = %d, want 404", rec.Code)
	}
}
