// Package monitor exposes a read-only HTTP surface over the kernel's catalog, deployed
// adapters, and in-flight transactions: the introspection endpoints an operator or dashboard
// polls instead of reaching into process state directly.
package monitor

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/polyq/kernel/catalog"
	"github.com/polyq/kernel/registry"
	"github.com/polyq/kernel/txn"
)

// Server wires the catalog, adapter registry, and transaction manager of one kernel instance
// onto a gin router under /api/v1.
type Server struct {
	catalog  *catalog.Catalog
	adapters *registry.Registry
	txns     *txn.Manager
}

// New returns a Server over the given components.
func New(cat *catalog.Catalog, adapters *registry.Registry, txns *txn.Manager) *Server {
	return &Server{catalog: cat, adapters: adapters, txns: txns}
}

// Router builds a gin engine with every monitoring route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()
	v1 := router.Group("/api/v1")
	{
		v1.GET("/entities", s.listEntities)
		v1.GET("/entities/:name", s.getEntity)
		v1.GET("/adapters", s.listAdapters)
		v1.GET("/transactions", s.listTransactions)
		v1.GET("/healthz", s.healthz)
	}
	return router
}

// listEntities godoc
// @Summary listEntities returns every entity currently defined in the catalog.
// @Produce json
// @Success 200 {object} []kernel.EntityInfo
// @Router /entities [get]
func (s *Server) listEntities(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.catalog.Current().All())
}

// getEntity godoc
// @Summary getEntity returns one entity by namespace-qualified name.
// @Param name path string true "entity name"
// @Param ns query int false "namespace id, defaults to 1"
// @Produce json
// @Success 200 {object} kernel.EntityInfo
// @Failure 404 {object} map[string]any
// @Router /entities/{name} [get]
func (s *Server) getEntity(c *gin.Context) {
	name := c.Param("name")
	ns := nsParam(c)
	entity, ok := s.catalog.Current().EntityByName(ns, name)
	if !ok {
		c.IndentedJSON(http.StatusNotFound, gin.H{"message": "no such entity: " + name})
		return
	}
	c.IndentedJSON(http.StatusOK, entity)
}

// listAdapters godoc
// @Summary listAdapters returns the descriptor of every adapter currently deployed.
// @Produce json
// @Success 200 {object} []adapter.Descriptor
// @Router /adapters [get]
func (s *Server) listAdapters(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.adapters.Descriptors())
}

// listTransactions godoc
// @Summary listTransactions returns every transaction currently open.
// @Produce json
// @Success 200 {object} []txn.ActiveTransaction
// @Router /transactions [get]
func (s *Server) listTransactions(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.txns.ActiveTransactions())
}

func (s *Server) healthz(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, gin.H{"status": "ok"})
}
