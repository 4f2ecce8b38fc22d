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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/openexec/codebroker/pkg/apierr"
	"github.com/openexec/codebroker/pkg/storage"
)

func respondJSON(c *gin.Context, status int, payload any) {
	c.JSON(status, payload)
}

// respondError maps an error to its HTTP shape. The custom-tool handlers
// build their own bodies with respondJSON for parse and validation errors.
func respondError(c *gin.Context, err error) {
	kind := apierr.KindOf(err)
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		klog.Errorf("request %s failed: %v", c.Request.URL.Path, err)
	}
	respondJSON(c, status, gin.H{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func statusOf(err error) int {
	if errors.Is(err, storage.ErrTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	switch apierr.KindOf(err) {
	case apierr.KindInvalidArgument, apierr.KindInvalidTool, apierr.KindInvalidToolOutput:
		return http.StatusBadRequest
	case apierr.KindNotFound, apierr.KindExpired, apierr.KindQuotaExhausted:
		// Download-style endpoints surface all three identically; the
		// body still carries the distinct kind.
		return http.StatusNotFound
	case apierr.KindUnavailable:
		return http.StatusServiceUnavailable
	case apierr.KindWorkspaceProjectionFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
