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

package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

const requestIDHeader = "X-Request-ID"

// loggingMiddleware tags every request with an ID and logs method, path,
// status and latency, plus any errors handlers attached to the context.
func (s *Server) loggingMiddleware(c *gin.Context) {
	requestID := c.GetHeader(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header(requestIDHeader, requestID)

	start := time.Now()
	c.Next()
	klog.Infof("[%s] %s %s -> %d (%v)", requestID, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	if len(c.Errors) > 0 {
		klog.Warningf("[%s] request errors: %s", requestID, c.Errors.String())
	}
}

// spawnGuard gates the endpoints that can consume executor workers. With
// public spawn disabled, only allowlisted hosts, allowlisted client IPs
// or loopback callers may call them.
func (s *Server) spawnGuard(c *gin.Context) {
	if s.cfg.PublicSpawnEnabled {
		return
	}

	host := c.Request.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	for _, allowed := range s.cfg.InternalHostAllowlist {
		if strings.EqualFold(host, allowed) {
			return
		}
	}

	clientIP := c.ClientIP()
	for _, allowed := range s.cfg.InternalIPAllowlist {
		if clientIP == allowed {
			return
		}
	}
	// Loopback callers are always internal.
	if ip := net.ParseIP(clientIP); ip != nil && ip.IsLoopback() {
		return
	}

	klog.Warningf("spawn request rejected: host=%s ip=%s", host, clientIP)
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"error": "spawn endpoints are not public on this deployment",
	})
}
