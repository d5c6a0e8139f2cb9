package uploadhandler

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcollabgo/internal/uploads"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func newEngine(t *testing.T, maxBytes int64) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	st, err := uploads.NewStorage(dir, "/uploads")
	require.NoError(t, err)

	r := gin.New()
	New(st, maxBytes).Register(r)
	return r, dir
}

func multipartBody(t *testing.T, field, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func post(r http.Handler, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/upload-image", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestUploadImage(t *testing.T) {
	r, dir := newEngine(t, 1024)

	body, ct := multipartBody(t, "image", "crater.png", pngHeader)
	w := post(r, body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var saved uploads.Saved
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &saved))
	assert.Equal(t, "crater.png", saved.OriginalName)
	assert.Equal(t, "/uploads/"+saved.Filename, saved.Path)
	assert.Equal(t, int64(len(pngHeader)), saved.Size)

	_, err := os.Stat(filepath.Join(dir, saved.Filename))
	assert.NoError(t, err)
}

func TestUploadRejections(t *testing.T) {
	r, _ := newEngine(t, 1024)

	body, ct := multipartBody(t, "image", "notes.txt", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, post(r, body, ct).Code)

	body, ct = multipartBody(t, "file", "crater.png", pngHeader)
	assert.Equal(t, http.StatusBadRequest, post(r, body, ct).Code)

	big := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 2000)...)
	body, ct = multipartBody(t, "image", "big.png", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, post(r, body, ct).Code)
}
