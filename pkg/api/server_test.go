package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/events"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/queue"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/store"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/tiles"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/wsi"
)

type stubExtractor struct {
	delay time.Duration
}

func (s *stubExtractor) ReadProperties(ctx context.Context, path string) (*wsi.Properties, error) {
	return &wsi.Properties{Width: 1000, Height: 600}, nil
}

func (s *stubExtractor) ExtractTile(ctx context.Context, src string, props *wsi.Properties, z, x, y int, dst string) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return os.WriteFile(dst, []byte("jpeg bytes"), 0o644)
}

type stubState string

func (s stubState) State() string { return string(s) }

type stubConn bool

func (s stubConn) Connected() bool { return bool(s) }

func newServerFixture(t *testing.T, ex tiles.Extractor) (*Server, *store.Slide) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	derived := filepath.Join(dir, "derived")
	srv := &Server{
		Store:      s,
		Queue:      queue.New(16),
		Bus:        bus,
		Tiles:      tiles.NewGenerator(derived, ex, bus, nil),
		DerivedDir: derived,
		Version:    "test",
		Watcher:    stubState("watching"),
		Scraper:    stubState("idle"),
		Tunnel:     stubConn(true),
	}

	id := strings.Repeat("a", 64)
	_, _, err = s.UpsertSlide(id, "AP20250001234.svs", filepath.Join(dir, "raw", "x.svs"), store.FormatSVS)
	require.NoError(t, err)
	w, h, ml := 1000, 600, 10
	slide, err := s.UpdateSlide(id, store.SlideUpdate{Width: &w, Height: &h, MaxLevel: &ml})
	require.NoError(t, err)
	return srv, slide
}

func do(srv *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newServerFixture(t, &stubExtractor{})

	rec := do(srv, http.MethodGet, "/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := healthResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "watching", resp.Watcher)
	require.Equal(t, "idle", resp.Scanner)
	require.True(t, resp.TunnelConnected)
	require.Equal(t, 1, resp.Slides)
}

func TestSlideRoutes(t *testing.T) {
	srv, slide := newServerFixture(t, &stubExtractor{})

	rec := do(srv, http.MethodGet, "/v1/slides")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), slide.ID)

	rec = do(srv, http.MethodGet, "/v1/slides/"+slide.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	got := store.Slide{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, slide.ID, got.ID)
	require.Equal(t, 1000, got.Width)

	rec = do(srv, http.MethodGet, "/v1/slides/"+strings.Repeat("f", 64))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSlideQueuesCleanup(t *testing.T) {
	srv, slide := newServerFixture(t, &stubExtractor{})

	rec := do(srv, http.MethodDelete, "/v1/slides/"+slide.ID)
	require.Equal(t, http.StatusAccepted, rec.Code)

	pl, ok := srv.Queue.Pop(time.Second)
	require.True(t, ok)
	require.Equal(t, store.JobCleanup, pl.Type)
	require.Equal(t, slide.ID, pl.SlideID)

	// A second delete while cleanup is active queues nothing new.
	rec = do(srv, http.MethodDelete, "/v1/slides/"+slide.ID)
	require.Equal(t, http.StatusAccepted, rec.Code)
	_, ok = srv.Queue.Pop(50 * time.Millisecond)
	require.False(t, ok)
}

func TestDerivedArtefacts(t *testing.T) {
	srv, slide := newServerFixture(t, &stubExtractor{})
	slideDir := filepath.Join(srv.DerivedDir, slide.ID)
	require.NoError(t, os.MkdirAll(slideDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(slideDir, "manifest.json"), []byte(`{"protocol":"dzi"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(slideDir, "thumb.jpg"), []byte("thumb"), 0o644))

	rec := do(srv, http.MethodGet, "/v1/slides/"+slide.ID+"/manifest.json")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "dzi")

	rec = do(srv, http.MethodGet, "/v1/slides/"+slide.ID+"/thumb.jpg")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "thumb", rec.Body.String())
}

func TestTileRoute(t *testing.T) {
	srv, slide := newServerFixture(t, &stubExtractor{})

	rec := do(srv, http.MethodGet, fmt.Sprintf("/v1/slides/%s/tiles/10/3/1.jpg", slide.ID))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	require.Equal(t, "jpeg bytes", rec.Body.String())

	// Out of bounds.
	rec = do(srv, http.MethodGet, fmt.Sprintf("/v1/slides/%s/tiles/10/9/9.jpg", slide.ID))
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Unknown slide.
	rec = do(srv, http.MethodGet, fmt.Sprintf("/v1/slides/%s/tiles/0/0/0.jpg", strings.Repeat("d", 64)))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTilePendingYields503(t *testing.T) {
	srv, slide := newServerFixture(t, &stubExtractor{delay: 300 * time.Millisecond})

	started := make(chan struct{})
	go func() {
		close(started)
		do(srv, http.MethodGet, fmt.Sprintf("/v1/slides/%s/tiles/10/0/0.jpg", slide.ID))
	}()
	<-started
	require.Eventually(t, func() bool {
		return srv.Tiles.IsPending(slide.ID, 10, 0, 0)
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/slides/%s/tiles/10/0/0.jpg", slide.ID), nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestEventsStream(t *testing.T) {
	srv, slide := newServerFixture(t, &stubExtractor{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, ": connected"))

	srv.Bus.Emit(events.Event{Kind: events.KindSlideReady, SlideID: slide.ID})

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("no event line received")
		default:
		}
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "event: ") {
			require.Equal(t, "event: "+events.KindSlideReady, strings.TrimSpace(line))
			data, err := reader.ReadString('\n')
			require.NoError(t, err)
			require.Contains(t, data, slide.ID)
			return
		}
	}
}
