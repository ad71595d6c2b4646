package netwatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/prdpilot/internal/clock"
)

type scripted struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (s *scripted) probe(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return nil
	}
	err := s.results[0]
	s.results = s.results[1:]
	return err
}

func TestMonitorReportsTransitionsOnly(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	down := errors.New("connection refused")
	p := &scripted{results: []error{nil, down, down, nil, nil}}
	var changes []bool
	m := New(p.probe, time.Second, func(online bool) { changes = append(changes, online) }, clk, nil)

	m.Start(context.Background())
	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
	}

	assert.Equal(t, 5, p.calls)
	assert.Equal(t, []bool{false, true}, changes)
	assert.True(t, m.Online())
	assert.Equal(t, 1, clk.Pending())
}

func TestMonitorStopHaltsProbing(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := &scripted{}
	m := New(p.probe, time.Second, nil, clk, nil)

	m.Start(context.Background())
	clk.Advance(time.Second)
	m.Stop()
	assert.Zero(t, clk.Pending())

	clk.Advance(time.Minute)
	assert.Equal(t, 1, p.calls)
}

func TestMonitorStopsWithContext(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := &scripted{}
	m := New(p.probe, time.Second, nil, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	cancel()
	clk.Advance(time.Second)
	assert.Zero(t, p.calls)
	assert.Zero(t, clk.Pending())
}

func TestDialProbe(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	probe, err := DialProbe(srv.URL+"/api/v1", time.Second)
	require.NoError(t, err)
	require.NoError(t, probe(context.Background()))

	srv.Close()
	assert.Error(t, probe(context.Background()))

	_, err = DialProbe("/relative/only", time.Second)
	assert.Error(t, err)
}
