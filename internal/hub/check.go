package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// CheckItem names one file in an existence query.
type CheckItem struct {
	Name   string
	Hash   string
	Length int64
}

// CheckResponse is the raw answer to an existence query. Missing is only
// populated for status 200.
type CheckResponse struct {
	Status  int
	Missing []string
}

// Check asks the hub about items in one request. The status is returned
// uninterpreted; batched and legacy semantics are the caller's business.
func (c *Client) Check(ctx context.Context, items []CheckItem) (CheckResponse, error) {
	resp, body, err := c.do(ctx, http.MethodGet, c.endpoint("upload/check", checkQuery(items)), "", nil)
	if err != nil {
		return CheckResponse{}, err
	}

	out := CheckResponse{Status: resp.StatusCode}
	if resp.StatusCode != http.StatusOK {
		return out, nil
	}

	var payload struct {
		Missing []string `json:"missing"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return out, &ProtocolError{Op: "upload/check", Reason: fmt.Sprintf("decoding response: %v", err)}
	}
	out.Missing = payload.Missing
	return out, nil
}

// checkQuery keeps name, hash and length grouped per item, in item order.
func checkQuery(items []CheckItem) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, "name="+url.QueryEscape(it.Name)+
			"&hash="+url.QueryEscape(it.Hash)+
			"&length="+strconv.FormatInt(it.Length, 10))
	}
	return strings.Join(parts, "&")
}

// ListHashes returns the tokens the hub reports for project. A listing older
// than minVersion is ignored.
func (c *Client) ListHashes(ctx context.Context, project string, minVersion int) ([]string, error) {
	query := "version=" + strconv.Itoa(minVersion) + "&project=" + url.QueryEscape(project)
	resp, body, err := c.do(ctx, http.MethodGet, c.endpoint("upload/list", query), "", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: "upload/list", Status: resp.StatusCode, Reason: reason(resp)}
	}

	payload := struct {
		Version int      `json:"version"`
		Hashes  []string `json:"hashes"`
	}{Version: 1}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ProtocolError{Op: "upload/list", Reason: fmt.Sprintf("decoding response: %v", err)}
	}
	if payload.Version < minVersion {
		return nil, nil
	}
	return payload.Hashes, nil
}
