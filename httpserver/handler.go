package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/routing"
	"github.com/ruteri/tiered-content-storage/service"
	"github.com/ruteri/tiered-content-storage/storage"
)

// Request and response headers.
const (
	// ContentHashHeader carries the content hash of a stored object. On
	// upload it is the hash the client expects.
	ContentHashHeader = "X-Content-Hash"
	StorageTierHeader = "X-Storage-Tier"
	CacheHeader       = "X-Cache"
	ServedFromHeader  = "X-Served-From"

	ClientIDHeader        = "X-Client-ID"
	ClientRegionHeader    = "X-Client-Region"
	NetworkTypeHeader     = "X-Network-Type"
	CostSensitivityHeader = "X-Cost-Sensitivity"

	// maxBodySize is the maximum allowed JSON request body size (1MB).
	maxBodySize = 1024 * 1024
)

// RequestError provides structured error information for HTTP responses.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func badRequest(err error) error {
	return &RequestError{StatusCode: http.StatusBadRequest, Err: err}
}

// Handler serves content by hash.
type Handler struct {
	svc           *service.Service
	maxRangeBytes int64
	log           *slog.Logger
}

// NewHandler creates the content handler. Requested ranges are clamped to
// maxRangeBytes.
func NewHandler(svc *service.Service, maxRangeBytes int64, log *slog.Logger) *Handler {
	return &Handler{
		svc:           svc,
		maxRangeBytes: maxRangeBytes,
		log:           log,
	}
}

// HandlePut stores the request body.
//
// URL format: PUT /v1/content?tier={tier}
// Optional headers: Content-Type, Cache-Control, X-Content-Hash
//
// Response: 201 with the stored hash, tier, size and location.
func (h *Handler) HandlePut(w http.ResponseWriter, r *http.Request) {
	req := service.PutRequest{
		Tier:         interfaces.Tier(r.URL.Query().Get("tier")),
		ContentType:  r.Header.Get("Content-Type"),
		CacheControl: r.Header.Get("Cache-Control"),
	}
	if expected := r.Header.Get(ContentHashHeader); expected != "" {
		hash, err := interfaces.NewContentHash(expected)
		if err != nil {
			h.writeError(w, r, badRequest(err))
			return
		}
		req.ExpectedHash = hash
	}

	res, err := h.svc.Put(r.Context(), r.Body, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/content/"+string(res.ContentHash))
	writeJSON(w, http.StatusCreated, res)
}

// HandleGet streams content, honouring single byte ranges.
//
// URL format: GET /v1/content/{hash}
// Optional headers: Range, X-Client-ID, X-Client-Region, X-Network-Type,
// X-Cost-Sensitivity
// Optional query: prefer={local|s3|cdn|ipfs}, max_latency_ms={ms}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	hash, err := pathHash(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	req := service.GetRequest{Client: clientContext(r)}
	if v := r.URL.Query().Get("prefer"); v != "" {
		req.Options.PreferredMethod = interfaces.LocationType(v)
	}
	if v := r.URL.Query().Get("max_latency_ms"); v != "" {
		ms, err := strconv.ParseFloat(v, 64)
		if err != nil || ms <= 0 {
			h.writeError(w, r, badRequest(errors.New("max_latency_ms must be a positive number")))
			return
		}
		req.Options.MaxLatencyMs = ms
	}

	var total int64
	if header := r.Header.Get("Range"); header != "" {
		meta, err := h.svc.Head(r.Context(), hash)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		total = meta.Size
		rng, err := storage.ParseRangeHeader(header, total)
		if err != nil {
			w.Header().Set("Content-Range", storage.FormatUnsatisfiedRange(total))
			h.writeError(w, r, err)
			return
		}
		clamped := storage.ClampRange(*rng, h.maxRangeBytes)
		req.Range = &clamped
	}

	obj, err := h.svc.Get(r.Context(), hash, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer obj.Close()

	if obj.Metadata.Size > 0 {
		total = obj.Metadata.Size
	}
	setObjectHeaders(w, hash, &obj.Metadata)
	if obj.CacheHit {
		w.Header().Set(CacheHeader, "HIT")
	} else {
		w.Header().Set(CacheHeader, "MISS")
	}
	w.Header().Set(ServedFromHeader, string(obj.Location.Type))
	if n := obj.Length(); n >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(n, 10))
	}

	status := http.StatusOK
	if obj.Partial {
		w.Header().Set("Content-Range", storage.FormatContentRange(obj.Start, obj.End, total))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if _, err := io.Copy(w, obj); err != nil {
		h.log.Warn("Failed to stream content", slog.String("content_hash", hash.Short()), "err", err)
	}
}

// HandleHead returns the headers HandleGet would send for the whole object.
//
// URL format: HEAD /v1/content/{hash}
func (h *Handler) HandleHead(w http.ResponseWriter, r *http.Request) {
	hash, err := pathHash(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	meta, err := h.svc.Head(r.Context(), hash)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	setObjectHeaders(w, hash, meta)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.WriteHeader(http.StatusOK)
}

// HandlePresignedURL issues a time-limited direct URL.
//
// URL format: GET /v1/content/{hash}/url?ttl={seconds}
func (h *Handler) HandlePresignedURL(w http.ResponseWriter, r *http.Request) {
	hash, err := pathHash(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var ttl time.Duration
	if v := r.URL.Query().Get("ttl"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			h.writeError(w, r, badRequest(errors.New("ttl must be a positive number of seconds")))
			return
		}
		ttl = time.Duration(sec) * time.Second
	}

	u, err := h.svc.PresignedURL(r.Context(), hash, ttl)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func pathHash(r *http.Request) (interfaces.ContentHash, error) {
	hash := interfaces.ContentHash(r.PathValue("hash"))
	if err := hash.Validate(); err != nil {
		return "", badRequest(err)
	}
	return hash, nil
}

func clientContext(r *http.Request) routing.ClientContext {
	return routing.ClientContext{
		ClientID:           r.Header.Get(ClientIDHeader),
		GeographicLocation: r.Header.Get(ClientRegionHeader),
		NetworkType:        r.Header.Get(NetworkTypeHeader),
		CostSensitivity:    r.Header.Get(CostSensitivityHeader),
		RequestTime:        time.Now(),
	}
}

func setObjectHeaders(w http.ResponseWriter, hash interfaces.ContentHash, meta *interfaces.ObjectMetadata) {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", `"`+string(hash)+`"`)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set(ContentHashHeader, string(hash))
	if meta.Tier != "" {
		w.Header().Set(StorageTierHeader, string(meta.Tier))
	}
	if meta.CacheControl != "" {
		w.Header().Set("Cache-Control", meta.CacheControl)
	} else {
		// content addressed bytes never change
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	}
}

func statusFor(err error) int {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.StatusCode
	case errors.Is(err, interfaces.ErrInvalidContentHash),
		errors.Is(err, interfaces.ErrInvalidTier),
		errors.Is(err, service.ErrUnknownOperation):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrContentNotFound),
		errors.Is(err, interfaces.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrInvalidRange):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, interfaces.ErrHashMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrMigrationRunning):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrBackendUnavailable),
		errors.Is(err, interfaces.ErrNoLocations):
		return http.StatusServiceUnavailable
	case errors.Is(err, interfaces.ErrConfiguration):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.log, err)
}

func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", slog.String("path", r.URL.Path), "err", err)
	} else {
		log.Debug("Request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
