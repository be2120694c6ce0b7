package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/events"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/queue"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/store"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/tiles"
	"github.com/ivanlppires/supernavi-edge-sub000/pkg/wsi"
)

type healthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version,omitempty"`
	Watcher         string `json:"watcher"`
	Scanner         string `json:"scanner"`
	TunnelConnected bool   `json:"tunnelConnected"`
	QueueDepth      int    `json:"queueDepth"`
	PendingTiles    int    `json:"pendingTiles"`
	Slides          int    `json:"slides"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	slides, err := s.Store.ListSlides()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := healthResponse{
		Status:  "ok",
		Version: s.Version,
		Watcher: "absent",
		Scanner: "absent",
		Slides:  len(slides),
	}
	if s.Watcher != nil {
		resp.Watcher = s.Watcher.State()
	}
	if s.Scraper != nil {
		resp.Scanner = s.Scraper.State()
	}
	if s.Tunnel != nil {
		resp.TunnelConnected = s.Tunnel.Connected()
	}
	if s.Queue != nil {
		resp.QueueDepth = s.Queue.Len()
	}
	if s.Tiles != nil {
		resp.PendingTiles = s.Tiles.PendingCount()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSlides(w http.ResponseWriter, r *http.Request) {
	slides, err := s.Store.ListSlides()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"slides": slides})
}

func (s *Server) handleGetSlide(w http.ResponseWriter, r *http.Request) {
	slide, ok := s.slide(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, slide)
}

// handleDeleteSlide queues a CLEANUP job; the worker removes remote
// and local artefacts and finally the registry row.
func (s *Server) handleDeleteSlide(w http.ResponseWriter, r *http.Request) {
	slide, ok := s.slide(w, r)
	if !ok {
		return
	}

	job, skipped, err := s.Store.CreateJob(slide.ID, store.JobCleanup)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !skipped {
		if err := s.Queue.Push(queue.Payload{
			JobID:   job.ID,
			SlideID: slide.ID,
			Type:    store.JobCleanup,
			RawPath: slide.RawPath,
			Format:  slide.Format,
		}); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cleanup_queued", "slideId": slide.ID})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	slide, ok := s.slide(w, r)
	if !ok {
		return
	}
	s.serveDerived(w, r, slide.ID, "manifest.json", "application/json")
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	slide, ok := s.slide(w, r)
	if !ok {
		return
	}
	s.serveDerived(w, r, slide.ID, "thumb.jpg", "image/jpeg")
}

// handleTile serves one deep-zoom tile, generating it on demand. A
// caller whose wait for a coalesced generation runs out gets 503 with
// Retry-After; out-of-bounds requests get 404.
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	slide, ok := s.slide(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	z, errZ := strconv.Atoi(vars["z"])
	x, errX := strconv.Atoi(vars["x"])
	y, errY := strconv.Atoi(vars["y"])
	if errZ != nil || errX != nil || errY != nil {
		s.writeError(w, http.StatusBadRequest, "tile coordinates must be integers")
		return
	}

	path, err := s.Tiles.Tile(r.Context(), slide, z, x, y)
	switch {
	case err == nil:
	case wsi.IsBounds(err):
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("tile %d/%d_%d is out of bounds", z, x, y))
		return
	case errors.Is(err, tiles.ErrPending):
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusServiceUnavailable, "tile generation in progress")
		return
	case wsi.IsTimeout(err):
		s.writeError(w, http.StatusGatewayTimeout, "tile generation timed out")
		return
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, r, path)
}

func (s *Server) slide(w http.ResponseWriter, r *http.Request) (*store.Slide, bool) {
	id := mux.Vars(r)["id"]
	slide, err := s.Store.GetSlide(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no such slide")
		return nil, false
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return slide, true
}

func (s *Server) serveDerived(w http.ResponseWriter, r *http.Request, slideID, name, contentType string) {
	w.Header().Set("Content-Type", contentType)
	http.ServeFile(w, r, filepath.Join(s.DerivedDir, slideID, name))
}

// handleEvents streams bus events as server-sent events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := s.Bus.Subscribe()
	defer s.Bus.Evict(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			ev, ok := v.(events.Event)
			if !ok {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}
