package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
)

// Credentials identify one device slot of a pairing session.
type Credentials struct {
	SessionID string `json:"userId"`
	DeviceID  string `json:"deviceId"`
}

// GenerateCode asks the server for a new invitation code. It returns the
// code and the id of the session it opens.
func GenerateCode(ctx context.Context, httpClient *http.Client, serverURL string) (code, sessionID string, err error) {
	var resp struct {
		InvitationCode string `json:"invitationCode"`
		UserID         string `json:"userId"`
	}
	if err := postJSON(ctx, httpClient, serverURL+"/api/invitation/generate", nil, &resp); err != nil {
		return "", "", err
	}
	return resp.InvitationCode, resp.UserID, nil
}

// Authenticate claims a device slot with an invitation code. Failures are
// returned as AppErrors carrying the server's code (INVALID_CODE,
// SESSION_FULL).
func Authenticate(ctx context.Context, httpClient *http.Client, serverURL, code string) (Credentials, error) {
	var resp struct {
		UserID   string              `json:"userId"`
		DeviceID string              `json:"deviceId"`
		Success  bool                `json:"success"`
		Message  string              `json:"message"`
		Code     apperrors.ErrorCode `json:"code"`
	}
	err := postJSON(ctx, httpClient, serverURL+"/api/invitation/authenticate", map[string]string{"invitationCode": code}, &resp)
	if err != nil {
		return Credentials{}, err
	}
	if !resp.Success {
		return Credentials{}, apperrors.New(resp.Code, resp.Message)
	}
	return Credentials{SessionID: resp.UserID, DeviceID: resp.DeviceID}, nil
}

// postJSON posts body and decodes a successful response into out. Error
// responses carrying a code come back as AppErrors.
func postJSON(ctx context.Context, httpClient *http.Client, url string, body any, out any) error {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(url, "/"), &payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 {
		var errBody struct {
			Code    apperrors.ErrorCode `json:"code"`
			Message string              `json:"message"`
			Error   string              `json:"error"`
		}
		if err := json.Unmarshal(raw, &errBody); err != nil || errBody.Code == "" {
			return fmt.Errorf("post %s: status %d", req.URL.Path, resp.StatusCode)
		}
		msg := errBody.Message
		if msg == "" {
			msg = errBody.Error
		}
		return apperrors.New(errBody.Code, msg)
	}

	return json.Unmarshal(raw, out)
}
