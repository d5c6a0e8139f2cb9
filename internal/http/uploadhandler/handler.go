package uploadhandler

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"roomcollabgo/internal/uploads"
)

// multipartSlack covers the form boundaries and headers around the file.
const multipartSlack = 64 << 10

type ImageSaver interface {
	Save(originalName string, r io.Reader) (*uploads.Saved, error)
}

type Handler struct {
	saver    ImageSaver
	maxBytes int64
}

func New(saver ImageSaver, maxBytes int64) *Handler {
	return &Handler{saver: saver, maxBytes: maxBytes}
}

func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/api/upload-image", h.upload)
}

type ErrorResponse struct {
	Error string `json:"error"`
} // @name UploadErrorResponse

// @Summary		Upload an overlay image
// @Description	Accepts jpeg, png, gif or webp in the "image" form field. The returned path is what add-overlay references.
// @Tags			Uploads
// @Accept			multipart/form-data
// @Param			image	formData	file	true	"Image file"
// @Success		200		{object}	uploads.Saved
// @Failure		400		{object}	ErrorResponse
// @Failure		413		{object}	ErrorResponse
// @Router			/api/upload-image [post]
func (h *Handler) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+multipartSlack)

	fh, err := c.FormFile("image")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: h.tooLarge()})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "no file uploaded"})
		return
	}
	if fh.Size > h.maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: h.tooLarge()})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unreadable upload"})
		return
	}
	defer f.Close()

	saved, err := h.saver.Save(fh.Filename, f)
	switch {
	case errors.Is(err, uploads.ErrUnsupportedType), errors.Is(err, uploads.ErrEmptyFile):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		zap.L().Error("upload.save", zap.String("file", fh.Filename), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to store upload"})
		return
	}

	zap.L().Info("upload.saved", zap.String("path", saved.Path), zap.Int64("size", saved.Size))
	c.JSON(http.StatusOK, saved)
}

func (h *Handler) tooLarge() string {
	return fmt.Sprintf("file exceeds %d bytes", h.maxBytes)
}
