package texhub

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/narvanalabs/texhub-worker/internal/models"
)

// DownloadProject fetches the source archive of projectID at version and
// writes it to dest. It returns the number of bytes written.
func (c *Client) DownloadProject(ctx context.Context, projectID, version, dest string) (int64, error) {
	body := models.ProjectDownloadRequest{ProjectID: projectID, Version: version}
	payload, err := jsonBody(body)
	if err != nil {
		return 0, err
	}

	req, err := c.newRequest(ctx, http.MethodPut, PathProjectDownload, payload, "application/json")
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("downloading project %s: %w", projectID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("%w: downloading project %s returned %d: %s", ErrUnsuccessful, projectID, resp.StatusCode, msg)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("creating download directory: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("creating archive file %s: %w", dest, err)
	}

	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return n, fmt.Errorf("writing archive %s: %w", dest, copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("closing archive %s: %w", dest, closeErr)
	}

	c.logger.Info("project archive downloaded",
		"project_id", projectID,
		"version", version,
		"path", dest,
		"size", humanize.Bytes(uint64(n)),
	)
	return n, nil
}

// UploadOutput uploads the compiled PDF at path for projectID as a multipart
// form with a project_id field and a file part.
func (c *Client) UploadOutput(ctx context.Context, projectID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening output %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat output %s: %w", path, err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUploadForm(mw, projectID, filepath.Base(path), f))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, PathUploadOutput, pr, mw.FormDataContentType())
	if err != nil {
		pr.Close()
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading output for %s: %w", projectID, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: uploading output for %s returned %d: %s", ErrUnsuccessful, projectID, resp.StatusCode, respBody)
	}

	c.logger.Info("compiled output uploaded",
		"project_id", projectID,
		"path", path,
		"size", humanize.Bytes(uint64(info.Size())),
	)
	return nil
}

func writeUploadForm(mw *multipart.Writer, projectID, fileName string, src io.Reader) error {
	if err := mw.WriteField("project_id", projectID); err != nil {
		return err
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	h.Set("Content-Type", "application/pdf")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}
