package blob

import (
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

// maxErrorBody bounds how much of an error response is read for messages.
const maxErrorBody = 64 << 10

// transport executes exactly one HTTP attempt per call. Responses with a
// status in the accepted set (or any 2xx) are returned to the caller; all
// others are turned into a *StatusError. There is no retry.
type transport struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// do sends req. The caller closes the body of a returned response.
func (t *transport) do(req *http.Request, accepted ...int) (*http.Response, error) {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("blob: request canceled: %w", ctxErr)
		}

		return nil, fmt.Errorf("blob: %s %s: %w", req.Method, redactURL(req), err)
	}

	if isSuccess(resp.StatusCode) || slices.Contains(accepted, resp.StatusCode) {
		t.logger.Debug("request completed",
			slog.String("method", req.Method),
			slog.String("url", redactURL(req)),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	return nil, statusError(resp)
}

// storageErrorBody mirrors the <Error> document the service sends with
// most failures.
type storageErrorBody struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// statusError reads and closes resp, producing a classified *StatusError.
func statusError(resp *http.Response) *StatusError {
	defer resp.Body.Close()

	se := &StatusError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get(headerRequestID),
		Code:       resp.Header.Get(headerErrorCode),
		Err:        classifyStatus(resp.StatusCode),
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(body) == 0 {
		return se
	}

	var parsed storageErrorBody
	if xml.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		// The service appends request metadata after the first line.
		se.Message, _, _ = strings.Cut(parsed.Message, "\n")
		if se.Code == "" {
			se.Code = parsed.Code
		}

		return se
	}

	se.Message = strings.TrimSpace(string(body))

	return se
}

// drain discards and closes a response body so the connection is reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// redactURL drops the query string, which may carry a SAS signature.
func redactURL(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""

	return u.String()
}
