package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/rift/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}(i)
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

type fakeBalance struct{ err error }

func (b fakeBalance) RetrieveBalance(context.Context) (*gateway.Balance, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &gateway.Balance{}, nil
}

func TestDatabaseChecker(t *testing.T) {
	st := Database(fakePinger{})(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, "database", st.Name)

	st = Database(fakePinger{err: errors.New("connection refused")})(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "connection refused", st.Detail)
}

func TestGatewayChecker(t *testing.T) {
	r := NewRegistry()
	r.Register("gateway", Gateway(fakeBalance{err: errors.New("circuit open")}))
	r.Register("database", Database(fakePinger{}))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "gateway", statuses[0].Name)
	assert.False(t, statuses[0].Healthy)
	assert.True(t, statuses[1].Healthy)
}

func TestRegistryFillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register("redis", func(_ context.Context) Status { return Status{Healthy: true} })

	_, statuses := r.CheckAll(context.Background())
	require.Len(t, statuses, 1)
	assert.Equal(t, "redis", statuses[0].Name)
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRegistry()
	r.Register("database", Database(fakePinger{}))

	router := gin.New()
	router.GET("/health/ready", r.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	r.Register("gateway", Gateway(fakeBalance{err: errors.New("timeout")}))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status string   `json:"status"`
		Checks []Status `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Len(t, body.Checks, 2)
}
