/*
Copyright The CodeBroker Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server is the broker's HTTP surface: a gin engine serving the
// execute, file management and custom-tool endpoints.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/openexec/codebroker/pkg/config"
	"github.com/openexec/codebroker/pkg/service"
)

// Server hosts the HTTP API.
type Server struct {
	cfg        *config.Config
	service    *service.Service
	registry   *prometheus.Registry
	router     *gin.Engine
	httpServer *http.Server
}

// New builds the server and its routes. registry may be nil to disable
// the /metrics endpoint.
func New(cfg *config.Config, svc *service.Service, registry *prometheus.Registry) *Server {
	s := &Server{cfg: cfg, service: svc, registry: registry}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())

	s.router.GET("/health", s.handleHealth)
	if s.registry != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/v1")
	v1.Use(s.loggingMiddleware)

	// Endpoints that consume executor workers sit behind the spawn guard.
	spawning := v1.Group("")
	spawning.Use(s.spawnGuard)
	spawning.POST("/execute", s.handleExecute)
	spawning.POST("/execute-custom-tool", s.handleExecuteCustomTool)

	v1.POST("/upload", s.handleUpload)
	v1.POST("/download", s.handleDownload)
	v1.POST("/expire", s.handleExpire)
	v1.POST("/parse-custom-tool", s.handleParseCustomTool)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	tlsConfig, err := s.tlsConfig()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:      s.cfg.HTTPListenAddr,
		TLSConfig: tlsConfig,
		// h2c lets gRPC-style HTTP/2 clients share the cleartext port.
		Handler: h2c.NewHandler(s.router, &http2.Server{}),
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			klog.Infof("HTTP server listening on %s (TLS)", s.cfg.HTTPListenAddr)
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			klog.Infof("HTTP server listening on %s", s.cfg.HTTPListenAddr)
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	klog.Info("HTTP server stopped")
	return nil
}

// tlsConfig builds the TLS setup from PEM content in the configuration.
func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.cfg.TLSCert == "" || s.cfg.TLSCertKey == "" {
		return nil, nil
	}
	cert, err := tls.X509KeyPair([]byte(s.cfg.TLSCert), []byte(s.cfg.TLSCertKey))
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	out := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if s.cfg.TLSCACert != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(s.cfg.TLSCACert)) {
			return nil, fmt.Errorf("no certificates found in TLS CA content")
		}
		out.ClientCAs = pool
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return out, nil
}
