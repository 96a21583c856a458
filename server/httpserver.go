package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elloloop/entdb/coordinator"
	apierrors "github.com/elloloop/entdb/errors"
	"github.com/elloloop/entdb/metrics"
	"github.com/elloloop/entdb/proto"
	"github.com/elloloop/entdb/store"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 60
)

// HttpServer is the JSON framing of the external surface.
type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	rpc.POST("/v1/execute", h.Execute)
	rpc.GET("/v1/node", h.GetNode)
	rpc.GET("/v1/query", h.QueryNodes)
	rpc.GET("/v1/edges/out", h.EdgesOut)
	rpc.GET("/v1/edges/in", h.EdgesIn)
	rpc.GET("/v1/mailbox", h.Mailbox)
	rpc.GET("/v1/search", h.Search)
	rpc.GET("/v1/schema", h.GetSchema)
	rpc.GET("/healthz", h.Health)
	rpc.GET("/stats", h.Stats)
	rpc.GET("/metrics", h.Metrics)

	return rpc.DefaultRouter
}

func respondJSON(c *rpc.Context, status int, body interface{}) {
	c.Writer.Header().Set("Content-Type", "application/json")
	c.Writer.WriteHeader(status)
	if err := json.NewEncoder(c.Writer).Encode(body); err != nil {
		log.Warnf("write response: %v", err)
	}
}

func respondError(c *rpc.Context, err error) {
	coded, ok := err.(*apierrors.Error)
	if !ok {
		coded = apierrors.New(apierrors.CodeOf(err), "%v", err)
	}
	respondJSON(c, apierrors.HTTPStatus(coded.Code), coded)
}

// viewer builds the caller identity from query args.
func viewer(r *http.Request) *store.Viewer {
	v := &store.Viewer{Actor: r.URL.Query().Get("actor")}
	if principals := r.URL.Query().Get("principals"); principals != "" {
		v.Principals = strings.Split(principals, ",")
	}
	return v
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func (h *HttpServer) tenantOf(c *rpc.Context) (*store.TenantStore, bool) {
	tenantID := c.Request.URL.Query().Get("tenant_id")
	if tenantID == "" {
		respondError(c, apierrors.New(apierrors.CodeInvalidRequest, "tenant_id is required"))
		return nil, false
	}
	tenant, err := h.stores.Tenant(c.Request.Context(), tenantID)
	if err != nil {
		respondError(c, apierrors.New(apierrors.CodeInternal, "open tenant store: %v", err))
		return nil, false
	}
	return tenant, true
}

func (h *HttpServer) Execute(c *rpc.Context) {
	req := &coordinator.Request{}
	if err := json.NewDecoder(c.Request.Body).Decode(req); err != nil {
		respondError(c, apierrors.New(apierrors.CodeInvalidRequest, "decode request: %v", err))
		return
	}
	receipt, err := h.coordinator.Execute(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, map[string]interface{}{"receipt": receipt})
}

func (h *HttpServer) GetNode(c *rpc.Context) {
	tenant, ok := h.tenantOf(c)
	if !ok {
		return
	}
	query := c.Request.URL.Query()
	id := query.Get("id")
	if id == "" {
		respondError(c, apierrors.New(apierrors.CodeInvalidRequest, "id is required"))
		return
	}
	includeDeleted := query.Get("include_deleted") == "true"
	node, err := tenant.GetNode(c.Request.Context(), id, viewer(c.Request), includeDeleted)
	if err != nil {
		if err == apierrors.ErrNodeDoesNotExist {
			respondError(c, apierrors.New(apierrors.CodeNotFound, "node %s not found", id))
			return
		}
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, node)
}

func (h *HttpServer) QueryNodes(c *rpc.Context) {
	tenant, ok := h.tenantOf(c)
	if !ok {
		return
	}
	query := c.Request.URL.Query()
	typeID, err := strconv.ParseUint(query.Get("type_id"), 10, 32)
	if err != nil {
		respondError(c, apierrors.New(apierrors.CodeInvalidRequest, "type_id is required"))
		return
	}
	filters := map[string]interface{}{}
	if raw := query.Get("filters"); raw != "" {
		if err = json.Unmarshal([]byte(raw), &filters); err != nil {
			respondError(c, apierrors.New(apierrors.CodeInvalidRequest, "filters: %v", err))
			return
		}
	}
	nodes, err := tenant.QueryNodes(c.Request.Context(), proto.TypeID(typeID), filters,
		viewer(c.Request), queryInt(c.Request, "limit", 100), queryInt(c.Request, "offset", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

func (h *HttpServer) EdgesOut(c *rpc.Context) {
	h.edges(c, true)
}

func (h *HttpServer) EdgesIn(c *rpc.Context) {
	h.edges(c, false)
}

func (h *HttpServer) edges(c *rpc.Context, out bool) {
	tenant, ok := h.tenantOf(c)
	if !ok {
		return
	}
	query := c.Request.URL.Query()
	nodeID := query.Get("node_id")
	if nodeID == "" {
		respondError(c, apierrors.New(apierrors.CodeInvalidRequest, "node_id is required"))
		return
	}
	var edgeTypeID *proto.EdgeTypeID
	if raw := query.Get("edge_type_id"); raw != "" {
		parsed, parseErr := strconv.ParseUint(raw, 10, 32)
		if parseErr != nil {
			respondError(c, apierrors.New(apierrors.CodeInvalidRequest, "edge_type_id: %v", parseErr))
			return
		}
		id := proto.EdgeTypeID(parsed)
		edgeTypeID = &id
	}
	var (
		edges []*store.Edge
		err   error
	)
	if out {
		edges, err = tenant.EdgesOut(c.Request.Context(), nodeID, edgeTypeID)
	} else {
		edges, err = tenant.EdgesIn(c.Request.Context(), nodeID, edgeTypeID)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, map[string]interface{}{"edges": edges})
}

func (h *HttpServer) Mailbox(c *rpc.Context) {
	tenant, ok := h.tenantOf(c)
	if !ok {
		return
	}
	user := c.Request.URL.Query().Get("user")
	if user == "" {
		respondError(c, apierrors.New(apierrors.CodeInvalidRequest, "user is required"))
		return
	}
	items, err := tenant.Mailbox(c.Request.Context(), user,
		queryInt(c.Request, "limit", 100), queryInt(c.Request, "offset", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, map[string]interface{}{"items": items})
}

func (h *HttpServer) Search(c *rpc.Context) {
	tenant, ok := h.tenantOf(c)
	if !ok {
		return
	}
	query := c.Request.URL.Query()
	user := query.Get("user")
	text := query.Get("q")
	if user == "" || text == "" {
		respondError(c, apierrors.New(apierrors.CodeInvalidRequest, "user and q are required"))
		return
	}
	items, err := tenant.Search(c.Request.Context(), user, text, queryInt(c.Request, "limit", 100))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, map[string]interface{}{"items": items})
}

func (h *HttpServer) GetSchema(c *rpc.Context) {
	respondJSON(c, http.StatusOK, map[string]interface{}{
		"fingerprint": h.registry.Fingerprint(),
		"schema":      h.registry.Definitions(),
	})
}

func (h *HttpServer) Health(c *rpc.Context) {
	status := map[string]interface{}{"status": "ok"}
	healthy := true
	if ok, err := h.archiver.Healthy(); !ok {
		healthy = false
		status["archiver"] = err.Error()
	}
	if ok, err := h.snapshotter.Healthy(); !ok {
		healthy = false
		status["snapshotter"] = err.Error()
	}
	if !healthy {
		status["status"] = "degraded"
	}
	respondJSON(c, http.StatusOK, status)
}

func (h *HttpServer) Stats(c *rpc.Context) {
	tenants, err := h.stores.Tenants()
	if err != nil {
		respondError(c, err)
		return
	}
	applied := make(map[string]string)
	for _, tenantID := range tenants {
		if pos, ok := h.applier.AppliedPosition(tenantID); ok {
			applied[tenantID] = pos.String()
		}
	}
	respondJSON(c, http.StatusOK, map[string]interface{}{
		"tenants":           tenants,
		"applied_positions": applied,
	})
}

func (h *HttpServer) Metrics(c *rpc.Context) {
	promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}
