package serve

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/ingest"
	"github.com/gftdcojp/segment-delivery/internal/meta"
	"github.com/gftdcojp/segment-delivery/internal/types"
	"github.com/go-chi/chi/v5"
)

// maxIngestBody caps a batch upload request; segments travel base64 encoded.
const maxIngestBody = 1 << 30

type videoView struct {
	VideoID       string            `json:"video_id"`
	Status        types.VideoStatus `json:"status"`
	Policy        string            `json:"policy"`
	SegmentCount  int               `json:"segment_count"`
	TotalSize     int64             `json:"total_size"`
	TotalDuration float64           `json:"total_duration"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func newVideoView(v meta.VideoEntry) videoView {
	return videoView{
		VideoID:       v.VideoID,
		Status:        v.Status,
		Policy:        string(v.Policy),
		SegmentCount:  v.SegmentCount,
		TotalSize:     v.TotalSize,
		TotalDuration: v.TotalDuration.Seconds(),
		Error:         v.Error,
		CreatedAt:     v.CreatedAt,
		UpdatedAt:     v.UpdatedAt,
	}
}

type segmentView struct {
	Name      string    `json:"name"`
	Order     int       `json:"order"`
	Duration  float64   `json:"duration"`
	Size      int64     `json:"size"`
	ShardID   int       `json:"shard_id"`
	Handle    string    `json:"handle"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *handler) registerVideoRoutes(r chi.Router) {
	r.Route("/v1/videos", func(r chi.Router) {
		r.Get("/", h.handleListVideos)
		r.Route("/{video}", func(r chi.Router) {
			r.Get("/", h.handleGetVideo)
			r.Delete("/", h.handleDeleteVideo)
			r.Get("/segments", h.handleListSegments)
			r.Post("/segments", h.handleUploadVideo)
			r.Put("/segments/{segment}", h.handleUploadSegment)
		})
	})
}

func (h *handler) handleListVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := h.meta.ListVideos(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]videoView, 0, len(videos))
	for _, v := range videos {
		out = append(out, newVideoView(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	v, err := h.meta.GetVideo(r.Context(), chi.URLParam(r, "video"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newVideoView(*v))
}

func (h *handler) handleListSegments(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video")
	recs, err := h.meta.ListSegments(r.Context(), videoID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(recs) == 0 {
		if _, err := h.meta.GetVideo(r.Context(), videoID); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	out := make([]segmentView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, segmentView{
			Name:      rec.SegmentName,
			Order:     rec.Order,
			Duration:  rec.Duration.Seconds(),
			Size:      rec.Size,
			ShardID:   rec.ShardID,
			Handle:    rec.Handle,
			CreatedAt: rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type uploadSegment struct {
	Name     string  `json:"name"`
	Data     []byte  `json:"data"`
	Duration float64 `json:"duration"`
}

type uploadRequest struct {
	Mode     string          `json:"mode"`
	Segments []uploadSegment `json:"segments"`
}

type uploadResponse struct {
	*ingest.Report
	Error string `json:"error,omitempty"`
}

func (h *handler) handleUploadVideo(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video")

	var req uploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	segs := make([]ingest.Segment, len(req.Segments))
	for i, s := range req.Segments {
		segs[i] = ingest.Segment{
			Name:     s.Name,
			Data:     s.Data,
			Duration: time.Duration(s.Duration * float64(time.Second)),
		}
	}

	report, err := h.dist.UploadVideo(r.Context(), videoID, segs, req.Mode)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, uploadResponse{Report: report})
	case report != nil:
		writeJSON(w, statusFor(err), uploadResponse{Report: report, Error: err.Error()})
	default:
		h.writeError(w, r, err)
	}
}

func (h *handler) handleUploadSegment(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video")
	name := chi.URLParam(r, "segment")
	q := r.URL.Query()

	order, err := strconv.Atoi(q.Get("order"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "order query parameter is required"})
		return
	}
	var duration time.Duration
	if v := q.Get("duration"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid duration"})
			return
		}
		duration = time.Duration(secs * float64(time.Second))
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res, err := h.dist.UploadSegment(r.Context(), videoID, ingest.Segment{Name: name, Data: data, Duration: duration}, order)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *handler) handleDeleteVideo(w http.ResponseWriter, r *http.Request) {
	report, err := h.lifecycle.DeleteVideo(r.Context(), chi.URLParam(r, "video"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
