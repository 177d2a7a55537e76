// Package telegram talks to the Bot API that stores the image bytes.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"imgbed/internal/models"
)

// AllowedUpdates limits the update feed to message types that can carry photos.
var AllowedUpdates = []string{"message", "channel_post"}

type Client struct {
	http            *http.Client
	apiURL          string
	token           string
	requestTimeout  time.Duration
	transferTimeout time.Duration
}

func NewClient(cfg models.TelegramConfig) *Client {
	requestTimeout := cfg.RequestTimeout.Std()
	if requestTimeout <= 0 {
		requestTimeout = models.DefaultRequestTimeout
	}
	transferTimeout := cfg.TransferTimeout.Std()
	if transferTimeout <= 0 {
		transferTimeout = models.DefaultTransferTimeout
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = models.DefaultTelegramAPIURL
	}
	return &Client{
		http:            &http.Client{},
		apiURL:          apiURL,
		token:           cfg.BotToken,
		requestTimeout:  requestTimeout,
		transferTimeout: transferTimeout,
	}
}

type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
}

func (c *Client) methodURL(method string) string {
	return c.apiURL + "/bot" + c.token + "/" + method
}

// FileURL builds the download URL for a path returned by GetFile.
func (c *Client) FileURL(filePath string) string {
	return c.apiURL + "/file/bot" + c.token + "/" + strings.TrimLeft(filePath, "/")
}

func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	params := url.Values{"file_id": {fileID}}
	f, err := get[File](ctx, c, "getFile", params, c.requestTimeout)
	if err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, fmt.Errorf("telegram.getFile: %w: no file_path for %s", models.ErrUpstream, fileID)
	}
	return &f, nil
}

// ResolveURL runs the describe-then-resolve pair for one fileId.
func (c *Client) ResolveURL(ctx context.Context, fileID string) (string, *File, error) {
	f, err := c.GetFile(ctx, fileID)
	if err != nil {
		return "", nil, err
	}
	return c.FileURL(f.FilePath), f, nil
}

func (c *Client) GetUserProfilePhotos(ctx context.Context, userID int64, offset, limit int) (*UserProfilePhotos, error) {
	params := url.Values{
		"user_id": {strconv.FormatInt(userID, 10)},
		"offset":  {strconv.Itoa(offset)},
		"limit":   {strconv.Itoa(limit)},
	}
	p, err := get[UserProfilePhotos](ctx, c, "getUserProfilePhotos", params, c.requestTimeout)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	chat, err := get[Chat](ctx, c, "getChat", url.Values{"chat_id": {chatID}}, c.requestTimeout)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// GetUpdates reads the update feed. offset confirms every earlier update.
func (c *Client) GetUpdates(ctx context.Context, offset int64, limit int, allowed []string) ([]Update, error) {
	params := url.Values{"limit": {strconv.Itoa(limit)}}
	if offset > 0 {
		params.Set("offset", strconv.FormatInt(offset, 10))
	}
	if len(allowed) > 0 {
		data, err := json.Marshal(allowed)
		if err != nil {
			return nil, err
		}
		params.Set("allowed_updates", string(data))
	}
	return get[[]Update](ctx, c, "getUpdates", params, c.transferTimeout)
}

// SendPhoto uploads one image to chatID as a multipart request.
func (c *Client) SendPhoto(ctx context.Context, chatID, filename, contentType string, body io.Reader) (*Message, error) {
	const op = "telegram.sendPhoto"

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", chatID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="photo"; filename=%q`, filename))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := io.Copy(part, body); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.transferTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendPhoto"), &buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	msg, err := do[Message](c, req, "sendPhoto")
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func get[T any](ctx context.Context, c *Client, method string, params url.Values, timeout time.Duration) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.methodURL(method)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return zero, fmt.Errorf("telegram.%s: %w", method, err)
	}
	return do[T](c, req, method)
}

func do[T any](c *Client, req *http.Request, method string) (T, error) {
	var zero T
	op := "telegram." + method

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return zero, fmt.Errorf("%s: %w: timed out", op, models.ErrUpstream)
		}
		return zero, fmt.Errorf("%s: %w: %s", op, models.ErrUpstream, redact(err.Error(), c.token))
	}
	defer resp.Body.Close()

	var out apiResponse[T]
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return zero, fmt.Errorf("%s: %w: HTTP %d, undecodable body", op, models.ErrUpstream, resp.StatusCode)
	}
	if !out.OK || resp.StatusCode/100 != 2 {
		desc := out.Description
		if desc == "" {
			desc = http.StatusText(resp.StatusCode)
		}
		return zero, fmt.Errorf("%s: %w: %s", op, models.ErrUpstream, desc)
	}
	return out.Result, nil
}

// redact keeps the bot token out of error messages that echo request URLs.
func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "<token>")
}
