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
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/openexec/codebroker/pkg/apierr"
	"github.com/openexec/codebroker/pkg/service"
	"github.com/openexec/codebroker/pkg/storage"
)

func (s *Server) handleHealth(c *gin.Context) {
	respondJSON(c, http.StatusOK, gin.H{"status": "healthy"})
}

type executeBody struct {
	SourceCode          string            `json:"source_code"`
	Files               map[string]string `json:"files"`
	Env                 map[string]string `json:"env"`
	ChatID              string            `json:"chat_id"`
	PersistentWorkspace bool              `json:"persistent_workspace"`
	MaxDownloads        *int              `json:"max_downloads"`
	ExpiresDays         *int              `json:"expires_days"`
	ExpiresSeconds      *int              `json:"expires_seconds"`
}

type executeResponse struct {
	Stdout        string                      `json:"stdout"`
	Stderr        string                      `json:"stderr"`
	ExitCode      int                         `json:"exit_code"`
	Files         map[string]string           `json:"files"`
	FilesMetadata map[string]storage.Metadata `json:"files_metadata"`
	ChatID        string                      `json:"chat_id"`
}

// handleExecute accepts the canonical JSON envelope as well as loosely
// shaped variants (camelCase keys, requestBody wrapper).
func (s *Server) handleExecute(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, apierr.Wrap(apierr.KindInvalidArgument, err, "read request body"))
		return
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		respondError(c, apierr.Wrap(apierr.KindInvalidArgument, err, "request body is not valid JSON"))
		return
	}
	obj, ok := canonicalize(payload).(map[string]any)
	if !ok {
		respondError(c, apierr.New(apierr.KindInvalidArgument, "request body must be a JSON object"))
		return
	}
	obj = unwrapEnvelope(obj)

	var body executeBody
	normalized, err := json.Marshal(obj)
	if err == nil {
		err = json.Unmarshal(normalized, &body)
	}
	if err != nil {
		respondError(c, apierr.Wrap(apierr.KindInvalidArgument, err, "malformed execute request"))
		return
	}
	if body.SourceCode == "" {
		respondError(c, apierr.New(apierr.KindInvalidArgument, "source_code is required"))
		return
	}

	result, err := s.service.Execute(c.Request.Context(), service.ExecuteRequest{
		SourceCode:          body.SourceCode,
		Files:               body.Files,
		Env:                 body.Env,
		ChatID:              body.ChatID,
		PersistentWorkspace: body.PersistentWorkspace,
		MaxDownloads:        body.MaxDownloads,
		ExpiresDays:         body.ExpiresDays,
		ExpiresSeconds:      body.ExpiresSeconds,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, executeResponse{
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		ExitCode:      result.ExitCode,
		Files:         result.Files,
		FilesMetadata: result.FilesMetadata,
		ChatID:        result.ChatID,
	})
}

func (s *Server) handleUpload(c *gin.Context) {
	chatID := c.PostForm("chat_id")

	fileHeader, err := c.FormFile("upload")
	if err != nil {
		respondError(c, apierr.Wrap(apierr.KindInvalidArgument, err, "missing 'upload' file field"))
		return
	}

	maxDownloads, err := optionalFormInt(c, "max_downloads")
	if err != nil {
		respondError(c, err)
		return
	}
	expiresDays, err := optionalFormInt(c, "expires_days")
	if err != nil {
		respondError(c, err)
		return
	}
	expiresSeconds, err := optionalFormInt(c, "expires_seconds")
	if err != nil {
		respondError(c, err)
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		respondError(c, apierr.Wrap(apierr.KindInvalidArgument, err, "open uploaded file"))
		return
	}
	defer src.Close()

	filename := filepath.Base(fileHeader.Filename)
	hash, md, err := s.service.Upload(c.Request.Context(), chatID, filename, src, maxDownloads, expiresDays, expiresSeconds)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, gin.H{
		"file_hash": hash,
		"filename":  filename,
		"chat_id":   md.ChatID,
		"metadata":  md,
	})
}

type fileRef struct {
	ChatID   string `json:"chat_id" binding:"required"`
	FileHash string `json:"file_hash" binding:"required"`
	Filename string `json:"filename" binding:"required"`
}

func (s *Server) handleDownload(c *gin.Context) {
	var ref fileRef
	if err := c.ShouldBindJSON(&ref); err != nil {
		respondError(c, apierr.Wrap(apierr.KindInvalidArgument, err, "invalid download request"))
		return
	}

	rc, md, err := s.service.Download(c.Request.Context(), ref.ChatID, ref.Filename, ref.FileHash)
	if err != nil {
		respondError(c, err)
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(filepath.Ext(ref.Filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ref.Filename))
	c.Header("Content-Length", strconv.FormatInt(md.Size, 10))
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		// Headers are gone; all we can do is log through the middleware.
		_ = c.Error(err)
	}
}

func (s *Server) handleExpire(c *gin.Context) {
	var ref fileRef
	if err := c.ShouldBindJSON(&ref); err != nil {
		respondError(c, apierr.Wrap(apierr.KindInvalidArgument, err, "invalid expire request"))
		return
	}
	if err := s.service.ExpireFile(c.Request.Context(), ref.ChatID, ref.Filename, ref.FileHash); err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"success": true})
}

type parseCustomToolBody struct {
	ToolSourceCode string `json:"tool_source_code" binding:"required"`
}

func (s *Server) handleParseCustomTool(c *gin.Context) {
	var body parseCustomToolBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondJSON(c, http.StatusBadRequest, gin.H{"error_messages": []string{err.Error()}})
		return
	}

	parsed, err := s.service.ParseCustomTool(body.ToolSourceCode)
	if err != nil {
		if apierr.IsKind(err, apierr.KindInvalidTool) {
			respondJSON(c, http.StatusBadRequest, gin.H{"error_messages": []string{err.Error()}})
			return
		}
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, gin.H{
		"tool_name":              parsed.ToolName,
		"tool_input_schema_json": parsed.ToolInputSchemaJSON,
		"tool_description":       parsed.ToolDescription,
	})
}

type executeCustomToolBody struct {
	ToolSourceCode string            `json:"tool_source_code" binding:"required"`
	ToolInputJSON  string            `json:"tool_input_json" binding:"required"`
	Env            map[string]string `json:"env"`
}

func (s *Server) handleExecuteCustomTool(c *gin.Context) {
	var body executeCustomToolBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondJSON(c, http.StatusBadRequest, gin.H{"stderr": err.Error()})
		return
	}

	output, err := s.service.ExecuteCustomTool(c.Request.Context(), service.ExecuteCustomToolRequest{
		ToolSourceCode: body.ToolSourceCode,
		ToolInputJSON:  body.ToolInputJSON,
		Env:            body.Env,
	})
	if err != nil {
		switch apierr.KindOf(err) {
		case apierr.KindInvalidTool, apierr.KindInvalidToolOutput, apierr.KindInvalidArgument:
			respondJSON(c, http.StatusBadRequest, gin.H{"stderr": err.Error()})
		default:
			respondError(c, err)
		}
		return
	}

	respondJSON(c, http.StatusOK, gin.H{"tool_output_json": output})
}

func optionalFormInt(c *gin.Context, field string) (*int, error) {
	raw := c.PostForm(field)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidArgument, err, "invalid %s", field)
	}
	return &v, nil
}
