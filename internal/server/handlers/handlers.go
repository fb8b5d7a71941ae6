// Package handlers exposes the notebook backend over HTTP and WebSocket.
package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/pegasus-notebook/pegasus/internal/common/errors"
	"github.com/pegasus-notebook/pegasus/internal/common/httpmw"
	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
	"github.com/pegasus-notebook/pegasus/internal/server/auth"
	"github.com/pegasus-notebook/pegasus/internal/server/files"
	"github.com/pegasus-notebook/pegasus/internal/server/history"
	"github.com/pegasus-notebook/pegasus/internal/server/kernel"
	"github.com/pegasus-notebook/pegasus/internal/server/notebooks"
	"github.com/pegasus-notebook/pegasus/pkg/protocol"
)

const (
	maxNotebookBytes = 32 << 20
	pingTimeout      = 2 * time.Second
)

// ExecutionLister reads recorded executions.
type ExecutionLister interface {
	List(ctx context.Context, limit int) ([]history.Execution, error)
}

type Handlers struct {
	AppTitle string

	auth      *auth.Service
	notebooks *notebooks.Store
	files     *files.Store
	history   ExecutionLister
	kernel    *kernel.Kernel
	upgrader  websocket.Upgrader
	logger    *logger.Logger
}

func NewHandlers(authSvc *auth.Service, nb *notebooks.Store, fs *files.Store, hist ExecutionLister, k *kernel.Kernel, log *logger.Logger) *Handlers {
	return &Handlers{
		auth:      authSvc,
		notebooks: nb,
		files:     fs,
		history:   hist,
		kernel:    k,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "http-handlers")),
	}
}

// NewRouter builds the gin engine with the shared middleware.
func NewRouter(log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), httpmw.OtelTracing(), httpmw.RequestLogger(log))
	return router
}

func RegisterRoutes(router *gin.Engine, h *Handlers, limiter *auth.Limiter) {
	api := router.Group("/api/v1")
	api.POST("/auth/token", auth.RateLimit(limiter), h.httpToken)
	api.GET("/status", h.httpStatus)
	// The socket authenticates with ?token= and reports failures as close codes.
	api.GET("/execute", h.wsExecute)

	private := api.Group("", auth.RequireAuth(h.auth))
	private.GET("/notebooks", h.httpListNotebooks)
	private.GET("/notebooks/:filename", h.httpGetNotebook)
	private.PUT("/notebooks/:filename", h.httpSaveNotebook)
	private.PATCH("/notebooks/:filename", h.httpRenameNotebook)
	private.DELETE("/notebooks/:filename", h.httpDeleteNotebook)
	private.GET("/notebooks/download/:filename", h.httpDownloadNotebook)

	private.GET("/files", h.httpListFiles)
	private.POST("/files/upload", h.httpUploadFile)
	private.GET("/files/download/:filename", h.httpDownloadFile)
	private.DELETE("/files/delete/:filename", h.httpDeleteFile)

	private.GET("/executions", h.httpListExecutions)
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"detail": apperrors.Detail(err)})
}

func (h *Handlers) httpToken(c *gin.Context) {
	token, err := h.auth.Authenticate(c.PostForm("username"), c.PostForm("password"))
	if err != nil {
		c.Header("WWW-Authenticate", "Bearer")
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

func (h *Handlers) httpStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	defer cancel()
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"app_title":        h.AppTitle,
		"kernel_available": h.kernel.Available(ctx),
		"sessions":         h.kernel.Hub().Count(),
	})
}

func (h *Handlers) httpListNotebooks(c *gin.Context) {
	list, err := h.notebooks.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handlers) httpGetNotebook(c *gin.Context) {
	doc, err := h.notebooks.Get(c.Request.Context(), c.Param("filename"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *Handlers) httpSaveNotebook(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotebookBytes))
	if err != nil {
		h.fail(c, apperrors.BadRequest("Could not read request body"))
		return
	}
	doc, err := models.Parse(data)
	if err != nil {
		h.fail(c, apperrors.BadRequest("Invalid notebook: "+err.Error()))
		return
	}
	name, err := notebooks.Filename(c.Param("filename"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.notebooks.Put(c.Request.Context(), name, doc); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Notebook saved successfully", "filename": name})
}

type renameRequest struct {
	NewFilename string `json:"new_filename" binding:"required"`
}

func (h *Handlers) httpRenameNotebook(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.BadRequest("new_filename is required"))
		return
	}
	newName, err := notebooks.Filename(req.NewFilename)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.notebooks.Rename(c.Request.Context(), c.Param("filename"), newName); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Notebook renamed successfully", "filename": newName})
}

func (h *Handlers) httpDeleteNotebook(c *gin.Context) {
	if err := h.notebooks.Delete(c.Request.Context(), c.Param("filename")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Notebook deleted successfully"})
}

func (h *Handlers) httpDownloadNotebook(c *gin.Context) {
	name, err := notebooks.Filename(c.Param("filename"))
	if err != nil {
		h.fail(c, err)
		return
	}
	f, err := h.notebooks.Open(c.Request.Context(), name)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()
	serveAttachment(c, f, name, "application/x-ipynb+json")
}

func (h *Handlers) httpListFiles(c *gin.Context) {
	list, err := h.files.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handlers) httpUploadFile(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		h.fail(c, apperrors.BadRequest("A file is required"))
		return
	}
	src, err := header.Open()
	if err != nil {
		h.fail(c, apperrors.InternalError("could not read upload", err))
		return
	}
	defer src.Close()

	info, err := h.files.Save(c.Request.Context(), header.Filename, src)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handlers) httpDownloadFile(c *gin.Context) {
	name := c.Param("filename")
	f, err := h.files.Open(c.Request.Context(), name)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()
	serveAttachment(c, f, name, "application/octet-stream")
}

func (h *Handlers) httpDeleteFile(c *gin.Context) {
	name := c.Param("filename")
	if err := h.files.Delete(c.Request.Context(), name); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("File '%s' deleted successfully", name)})
}

func (h *Handlers) httpListExecutions(c *gin.Context) {
	limit := history.DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(c, apperrors.BadRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}
	list, err := h.history.List(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, apperrors.InternalError("failed to list executions", err))
		return
	}
	c.JSON(http.StatusOK, list)
}

func serveAttachment(c *gin.Context, f *os.File, name, contentType string) {
	size := int64(-1)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	c.DataFromReader(http.StatusOK, size, contentType, f, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, name),
	})
}

func (h *Handlers) wsExecute(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if _, err := h.auth.Verify(c.Query(protocol.TokenQueryParam)); err != nil {
		h.logger.Warn("execution socket rejected", zap.Error(err))
		msg := websocket.FormatCloseMessage(protocol.CloseAuthRejected, "Invalid authentication credentials")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	h.kernel.Serve(c.Request.Context(), conn)
}
