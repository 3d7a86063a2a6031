package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// StyleServer session-scoped loopback endpoint. The native offline API only
// accepts network URLs, so synthesized style documents are served from an
// ephemeral 127.0.0.1 port. One instance per download session; Close tears
// the socket down and drops the cached documents.
type StyleServer struct {
	listener net.Listener
	srv      *http.Server
	baseURL  string
	cache    *TerrainCache

	mu   sync.Mutex
	docs map[string][]byte
}

// NewStyleServer binds an ephemeral loopback port. cache may be nil when no
// computed raster source is served. A bind failure is fatal for the session.
func NewStyleServer(cache *TerrainCache) (*StyleServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bind style endpoint: %w", err)
	}
	s := &StyleServer{
		listener: ln,
		cache:    cache,
		baseURL:  fmt.Sprintf("http://127.0.0.1:%d", ln.Addr().(*net.TCPAddr).Port),
		docs:     make(map[string][]byte),
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/style/:file", s.handleStyle)
	r.GET("/terrain/:layer/:z/:x/:file", s.handleTerrainTile)
	s.srv = &http.Server{Handler: r}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warnf("style server stopped: %s", err)
		}
	}()
	log.Debugf("style server listening on %s", s.baseURL)
	return s, nil
}

// URL server base URL
func (s *StyleServer) URL() string {
	return s.baseURL
}

// ResolveStyleURL returns the URL the offline-download API should consume
// for a source. Vector styles are remote documents already; everything else
// gets a synthesized document on the loopback endpoint.
func (s *StyleServer) ResolveStyleURL(src MapSource) string {
	if src.Kind == SourceVector {
		return src.URL
	}
	return fmt.Sprintf("%s/style/%s.json", s.baseURL, src.ID)
}

// Register synthesizes and caches the style document for a source, making it
// servable before the first request comes in.
func (s *StyleServer) Register(src MapSource) {
	body, err := json.Marshal(BuildStyleDoc(src, s.baseURL))
	if err != nil {
		log.Warnf("style doc for %s failed to marshal: %s", src.ID, err)
		return
	}
	s.mu.Lock()
	s.docs[src.ID] = body
	s.mu.Unlock()
}

func (s *StyleServer) handleStyle(c *gin.Context) {
	file := c.Param("file")
	if !strings.HasSuffix(file, ".json") {
		c.Status(http.StatusNotFound)
		return
	}
	id := strings.TrimSuffix(file, ".json")
	s.mu.Lock()
	doc, cached := s.docs[id]
	if !cached {
		src, ok := lookupSource(id)
		if !ok {
			s.mu.Unlock()
			c.Status(http.StatusNotFound)
			return
		}
		body, err := json.Marshal(BuildStyleDoc(src, s.baseURL))
		if err != nil {
			s.mu.Unlock()
			c.Status(http.StatusInternalServerError)
			return
		}
		s.docs[id] = body
		doc = body
	}
	s.mu.Unlock()
	c.Data(http.StatusOK, "application/json", doc)
}

func (s *StyleServer) handleTerrainTile(c *gin.Context) {
	if s.cache == nil {
		c.Status(http.StatusNotFound)
		return
	}
	layer := c.Param("layer")
	z, err1 := strconv.Atoi(c.Param("z"))
	x, err2 := strconv.Atoi(c.Param("x"))
	file := c.Param("file")
	y, err3 := strconv.Atoi(strings.TrimSuffix(file, ".png"))
	if err1 != nil || err2 != nil || err3 != nil || !strings.HasSuffix(file, ".png") {
		c.Status(http.StatusBadRequest)
		return
	}
	data, ok := s.cache.Get(layer, TileCoord{X: x, Y: y, Z: z})
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

// Close shuts the socket and clears the document cache. Safe on all exit
// paths, including sessions that never served a request.
func (s *StyleServer) Close() {
	s.mu.Lock()
	s.docs = make(map[string][]byte)
	s.mu.Unlock()
	if err := s.srv.Close(); err != nil {
		log.Warnf("style server close failure: %s", err)
	}
}
