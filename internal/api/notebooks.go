package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
)

// NotebookInfo is one entry of the notebook listing.
type NotebookInfo struct {
	Filename string `json:"filename"`
}

// Notebooks is the document storage service.
type Notebooks struct{}

func (Notebooks) List(ctx context.Context, api *Context) ([]NotebookInfo, error) {
	req, err := api.newRequest(ctx, http.MethodGet, api.endpoint("notebooks"), nil)
	if err != nil {
		return nil, err
	}
	var out []NotebookInfo
	if err := api.doJSON(req, &out); err != nil {
		return nil, fmt.Errorf("list notebooks: %w", err)
	}
	return out, nil
}

func (Notebooks) Get(ctx context.Context, api *Context, name string) (*models.Document, error) {
	req, err := api.newRequest(ctx, http.MethodGet, api.endpoint("notebooks", name), nil)
	if err != nil {
		return nil, err
	}
	resp, err := api.do(req)
	if err != nil {
		return nil, fmt.Errorf("get notebook %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read notebook %s: %w", name, err)
	}
	return models.Parse(data)
}

// Put creates or overwrites the notebook.
func (Notebooks) Put(ctx context.Context, api *Context, name string, doc *models.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode notebook: %w", err)
	}
	req, err := api.newRequest(ctx, http.MethodPut, api.endpoint("notebooks", name), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := api.doJSON(req, nil); err != nil {
		return fmt.Errorf("save notebook %s: %w", name, err)
	}
	return nil
}

// Rename fails with 404 when name is missing and 409 when newName exists.
func (Notebooks) Rename(ctx context.Context, api *Context, name, newName string) error {
	body, _ := json.Marshal(map[string]string{"new_filename": newName})
	req, err := api.newRequest(ctx, http.MethodPatch, api.endpoint("notebooks", name), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := api.doJSON(req, nil); err != nil {
		return fmt.Errorf("rename notebook %s: %w", name, err)
	}
	return nil
}

func (Notebooks) Delete(ctx context.Context, api *Context, name string) error {
	req, err := api.newRequest(ctx, http.MethodDelete, api.endpoint("notebooks", name), nil)
	if err != nil {
		return err
	}
	if err := api.doJSON(req, nil); err != nil {
		return fmt.Errorf("delete notebook %s: %w", name, err)
	}
	return nil
}

// Download streams the stored file to w.
func (Notebooks) Download(ctx context.Context, api *Context, name string, w io.Writer) error {
	return api.download(ctx, api.endpoint("notebooks", "download", name), w)
}

func (c *Context) download(ctx context.Context, endpoint string, w io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "*/*")
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	return nil
}
