package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// FileInfo is one entry of the workspace listing.
type FileInfo struct {
	Filename string  `json:"filename"`
	SizeKB   float64 `json:"size_kb"`
}

// Files is the workspace file service.
type Files struct{}

func (Files) List(ctx context.Context, api *Context) ([]FileInfo, error) {
	req, err := api.newRequest(ctx, http.MethodGet, api.endpoint("files"), nil)
	if err != nil {
		return nil, err
	}
	var out []FileInfo
	if err := api.doJSON(req, &out); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return out, nil
}

// Upload sends r as a multipart "file" field named filename.
func (Files) Upload(ctx context.Context, api *Context, filename string, r io.Reader) (*FileInfo, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := api.newRequest(ctx, http.MethodPost, api.endpoint("files", "upload"), pr)
	if err != nil {
		_ = pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var info FileInfo
	if err := api.doJSON(req, &info); err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("upload %s: %w", filename, err)
	}
	return &info, nil
}

func (Files) Download(ctx context.Context, api *Context, filename string, w io.Writer) error {
	return api.download(ctx, api.endpoint("files", "download", filename), w)
}

func (Files) Delete(ctx context.Context, api *Context, filename string) error {
	req, err := api.newRequest(ctx, http.MethodDelete, api.endpoint("files", "delete", filename), nil)
	if err != nil {
		return err
	}
	if err := api.doJSON(req, nil); err != nil {
		return fmt.Errorf("delete %s: %w", filename, err)
	}
	return nil
}
