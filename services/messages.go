// ABOUTME: Messaging sub-flow for sending texts to one2track devices
// ABOUTME: Scrapes the per-device message page for its CSRF token and posts the form

package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// SendMessage posts a text message to a device through the vendor's
// per-device message form. It reuses the polling session but never mutates
// it: a failure here does not prove the polling session is invalid, so the
// next poll decides for itself whether to re-authenticate. title is not part
// of the vendor form; it is carried for the caller's logging only.
func (c *TrackerClient) SendMessage(ctx context.Context, deviceID, message, title string) error {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return err
	}

	messagesURL := c.baseURL + fmt.Sprintf(messagesPath, deviceID)

	resp, err := c.call(ctx, messagesURL, nil, requestOptions{followRedirects: true})
	if err != nil {
		return fmt.Errorf("message page request failed: %w", err)
	}
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("failed to read message page: %w", readErr)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("cannot access message page", "device_id", deviceID, "status", resp.StatusCode, "body", truncate(string(body), 200))
		return &AuthenticationError{Reason: "unable to access message page"}
	}

	// The message form carries its own page-scoped token, distinct from the
	// login page's.
	pageToken, err := extractCSRFToken(string(body))
	if err != nil {
		slog.Error("could not parse message page csrf token", "device_id", deviceID, "error", err)
		return &AuthenticationError{Reason: "csrf token missing"}
	}

	form := url.Values{}
	form.Set("utf8", "✓")
	form.Set("authenticity_token", pageToken)
	form.Set("device_message[message]", message)

	header := http.Header{}
	header.Set("X-CSRF-Token", pageToken)
	header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err = c.call(ctx, messagesURL, form, requestOptions{followRedirects: true, header: header})
	if err != nil {
		return fmt.Errorf("message send request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		slog.Error("failed to send device message", "device_id", deviceID, "status", resp.StatusCode, "body", truncate(string(respBody), 200))
		return &AuthenticationError{Reason: "failed to send message"}
	}

	slog.Info("message sent", "device_id", deviceID, "title", title)
	return nil
}
