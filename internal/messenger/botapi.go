package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/relaybot/mediarelay/internal/faults"
	"github.com/relaybot/mediarelay/internal/task"
)

const defaultBaseURL = "https://api.telegram.org"

// BotAPI implements Messenger against the HTTP bot gateway.
type BotAPI struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewBotAPI builds the adapter. baseURL may be empty for the public
// endpoint; requestTimeout bounds each RPC.
func NewBotAPI(token, baseURL string, requestTimeout time.Duration, logger zerolog.Logger) *BotAPI {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.Logger = nil
	rc.CheckRetry = func(_ context.Context, _ *http.Response, err error) (bool, error) {
		return false, err
	}
	rc.HTTPClient.Timeout = requestTimeout
	return &BotAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: rc.StandardClient(),
		log:        logger,
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// ResolveTarget looks up a chat by handle and returns its id.
func (b *BotAPI) ResolveTarget(ctx context.Context, handle string) (string, error) {
	if !strings.HasPrefix(handle, "@") && !isNumeric(handle) {
		handle = "@" + handle
	}
	body, err := json.Marshal(map[string]string{"chat_id": handle})
	if err != nil {
		return "", err
	}
	resp, err := b.postJSON(ctx, "getChat", body)
	if err != nil {
		return "", err
	}
	var chat struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(resp.Result, &chat); err != nil {
		return "", fmt.Errorf("parsing chat: %w", err)
	}
	return strconv.FormatInt(chat.ID, 10), nil
}

// SendAlbum sends files of one kind as a single media-group message.
// The caption rides on the first item.
func (b *BotAPI) SendAlbum(ctx context.Context, target string, kind task.Kind, files []string, caption string) error {
	mediaType := "photo"
	if kind == task.KindVideo {
		mediaType = "video"
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", target); err != nil {
		return err
	}
	type inputMedia struct {
		Type    string `json:"type"`
		Media   string `json:"media"`
		Caption string `json:"caption,omitempty"`
	}
	media := make([]inputMedia, 0, len(files))
	for i, file := range files {
		field := fmt.Sprintf("file%d", i)
		if err := attachFile(w, field, file); err != nil {
			return err
		}
		im := inputMedia{Type: mediaType, Media: "attach://" + field}
		if i == 0 {
			im.Caption = caption
		}
		media = append(media, im)
	}
	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return err
	}
	if err := w.WriteField("media", string(mediaJSON)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	_, err = b.postMultipart(ctx, "sendMediaGroup", w.FormDataContentType(), &buf, files)
	return err
}

// SendMedia sends one file with its attributes.
func (b *BotAPI) SendMedia(ctx context.Context, target string, kind task.Kind, file string, attrs Attributes, caption string) error {
	var method, field string
	switch kind {
	case task.KindImage:
		method, field = "sendPhoto", "photo"
	case task.KindVideo:
		method, field = "sendVideo", "video"
	default:
		method, field = "sendDocument", "document"
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", target); err != nil {
		return err
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return err
		}
	}
	if kind == task.KindVideo {
		if attrs.Duration > 0 {
			w.WriteField("duration", strconv.Itoa(attrs.Duration))
		}
		if attrs.Width > 0 {
			w.WriteField("width", strconv.Itoa(attrs.Width))
			w.WriteField("height", strconv.Itoa(attrs.Height))
		}
		w.WriteField("supports_streaming", "true")
		if attrs.ThumbnailPath != "" {
			if err := attachFile(w, "thumbnail", attrs.ThumbnailPath); err != nil {
				return err
			}
		}
	}
	if err := attachFile(w, field, file); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	_, err := b.postMultipart(ctx, method, w.FormDataContentType(), &buf, []string{file})
	return err
}

// SendStatus sends a plain text message.
func (b *BotAPI) SendStatus(ctx context.Context, target, text string) error {
	body, err := json.Marshal(map[string]string{"chat_id": target, "text": text})
	if err != nil {
		return err
	}
	_, err = b.postJSON(ctx, "sendMessage", body)
	return err
}

func (b *BotAPI) postJSON(ctx context.Context, method string, body []byte) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, nil)
}

func (b *BotAPI) postMultipart(ctx context.Context, method, contentType string, body io.Reader, files []string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL(method), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return b.do(req, files)
}

func (b *BotAPI) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.baseURL, b.token, method)
}

// do executes the request and maps the response onto the error
// taxonomy. files, when non-nil, lets media rejections name the
// offending member.
func (b *BotAPI) do(req *http.Request, files []string) (*apiResponse, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var ar apiResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return nil, faults.NewHTTPStatus(resp.StatusCode)
	}
	if ar.OK {
		return &ar, nil
	}
	return nil, b.classify(resp.StatusCode, &ar, files)
}

var mediaIndexRe = regexp.MustCompile(`media #(\d+)`)

func (b *BotAPI) classify(status int, ar *apiResponse, files []string) error {
	desc := ar.Description
	lower := strings.ToLower(desc)
	switch {
	case ar.Parameters.RetryAfter > 0 || status == http.StatusTooManyRequests:
		wait := ar.Parameters.RetryAfter
		if wait <= 0 {
			wait = 60
		}
		return faults.NewRateLimit(wait)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return faults.New(faults.Auth, fmt.Errorf("%s", desc))
	case strings.Contains(lower, "photo_invalid_dimensions"),
		strings.Contains(lower, "photo should be"),
		strings.Contains(lower, "too large"),
		status == http.StatusRequestEntityTooLarge:
		return faults.New(faults.PhotoTooLarge, fmt.Errorf("%s", desc))
	case strings.Contains(lower, "wrong file identifier"),
		strings.Contains(lower, "can't parse inputmedia"),
		strings.Contains(lower, "failed to get http url content"),
		strings.Contains(lower, "video_content_type_invalid"),
		strings.Contains(lower, "wrong type of the web page content"):
		me := &MediaInvalidError{Desc: desc}
		if m := mediaIndexRe.FindStringSubmatch(desc); m != nil {
			if idx, err := strconv.Atoi(m[1]); err == nil && idx >= 0 && idx < len(files) {
				me.File = files[idx]
			}
		}
		return faults.New(faults.MediaInvalid, me)
	default:
		return &faults.Error{Class: faults.HTTPStatus, StatusCode: status, Err: fmt.Errorf("%s", desc)}
	}
}

func attachFile(w *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("attaching %s: %w", path, err)
	}
	return nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' {
		s = s[1:]
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
