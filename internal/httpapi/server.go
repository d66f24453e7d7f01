// Package httpapi is the central ingest server. Store agents post batches
// of rows and deletion notices; rows land in the tenant's warehouse schema.
package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/pdvdash/storesync/internal/catalog"
	"github.com/pdvdash/storesync/internal/metrics"
	"github.com/pdvdash/storesync/internal/warehouse"
	log "github.com/sirupsen/logrus"
)

// Warehouse is the storage the server writes to.
type Warehouse interface {
	TenantResolver
	Upsert(ctx context.Context, schema, table string, rows []warehouse.Row) (int, error)
	Delete(ctx context.Context, schema, table, id string, cascade []warehouse.Cascade) (bool, error)
}

// Route is the warehouse target of one endpoint.
type Route struct {
	Table   string
	Cascade []warehouse.Cascade
}

// Routes maps request paths to warehouse tables.
type Routes struct {
	Upsert map[string]Route
	Delete map[string]Route
}

// RoutesFromCatalog derives the served endpoints from a table catalog. The
// warehouse table is the last segment of the endpoint; deletes of a fact
// cascade to its children by their foreign key.
func RoutesFromCatalog(c catalog.Catalog) Routes {
	routes := Routes{Upsert: map[string]Route{}, Delete: map[string]Route{}}
	for _, t := range c.Tables {
		routes.Upsert[cleanPath(t.Endpoint)] = Route{Table: endpointTable(t.Endpoint)}
		if t.Role != catalog.Fact || t.Fact == nil || t.Fact.DeleteEndpoint == "" {
			continue
		}
		var cascade []warehouse.Cascade
		for _, child := range c.Children(t.Name) {
			cascade = append(cascade, warehouse.Cascade{
				Table:      endpointTable(child.Endpoint),
				ForeignKey: strings.ToLower(child.Parent.ForeignKey),
			})
		}
		ep := cleanPath(t.Fact.DeleteEndpoint)
		routes.Delete[ep] = Route{Table: endpointTable(path.Dir(ep)), Cascade: cascade}
	}
	return routes
}

func cleanPath(p string) string {
	return path.Clean("/" + strings.TrimSpace(p))
}

func endpointTable(endpoint string) string {
	return strings.ToLower(path.Base(cleanPath(endpoint)))
}

type ServerConfig struct {
	Routes          Routes
	MaxBodyBytes    int64
	TenantCacheSize int
	TenantCacheTTL  time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
}

type Server struct {
	warehouse   Warehouse
	cfg         ServerConfig
	tenants     *tenantCache
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(wh Warehouse, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 20
	}
	if cfg.TenantCacheSize <= 0 {
		cfg.TenantCacheSize = 256
	}
	if cfg.TenantCacheTTL <= 0 {
		cfg.TenantCacheTTL = time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.Routes.Upsert == nil && cfg.Routes.Delete == nil {
		cfg.Routes = RoutesFromCatalog(catalog.Default())
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		warehouse:   wh,
		cfg:         cfg,
		tenants:     newTenantCache(wh, cfg.TenantCacheSize, cfg.TenantCacheTTL),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	w = rec

	p := cleanPath(r.URL.Path)
	var route Route
	var kind string
	if rt, ok := s.cfg.Routes.Upsert[p]; ok {
		route, kind = rt, "upsert"
	} else if rt, ok := s.cfg.Routes.Delete[p]; ok {
		route, kind = rt, "delete"
	} else {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	defer func() {
		metrics.IngestRequestsTotal.WithLabelValues(kind, strconv.Itoa(rec.status)).Inc()
	}()
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", correlationID)
		return
	}

	schema, authErr := s.authorizeTenant(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(schema, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	logger := log.WithFields(log.Fields{
		"schema":        schema,
		"table":         route.Table,
		"store":         r.Header.Get("X-Store-Id"),
		"correlationId": correlationID,
	})
	switch kind {
	case "upsert":
		s.handleUpsert(w, r, schema, route, correlationID, logger)
	case "delete":
		s.handleDelete(w, r, schema, route, correlationID, logger)
	}
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request, schema string, route Route, correlationID string, logger log.FieldLogger) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	rows, err := decodeBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	n, err := s.warehouse.Upsert(r.Context(), schema, route.Table, rows)
	if errors.Is(err, warehouse.ErrInvalidRecord) {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if err != nil {
		logger.WithField("err", err).Error("upsert failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "storage failure", correlationID)
		return
	}
	metrics.IngestRowsTotal.WithLabelValues(route.Table).Add(float64(n))
	logger.WithField("rows", n).Info("batch stored")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rows": n})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, schema string, route Route, correlationID string, logger log.FieldLogger) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	id, err := decodeDelete(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	found, err := s.warehouse.Delete(r.Context(), schema, route.Table, id, route.Cascade)
	if err != nil {
		logger.WithFields(log.Fields{"id": id, "err": err}).Error("delete failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "storage failure", correlationID)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "row not found", correlationID)
		return
	}
	logger.WithField("id", id).Info("row deleted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

// readRequestBody reads the body within the configured limit, inflating it
// when sent gzip-encoded.
func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Content-Encoding")), "gzip") {
		return body, true
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid gzip body", correlationID)
		return nil, false
	}
	defer zr.Close()
	inflated, err := io.ReadAll(io.LimitReader(zr, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid gzip body", correlationID)
		return nil, false
	}
	if int64(len(inflated)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
		return nil, false
	}
	return inflated, true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
