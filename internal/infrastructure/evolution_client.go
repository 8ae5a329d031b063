package infrastructure

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

const sendDelayMs = 1200

// EvolutionError is a non-2xx answer from the Evolution API.
type EvolutionError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *EvolutionError) Error() string {
	return fmt.Sprintf("evolution %s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Unauthorized reports a bad or missing API key. No payload format can fix it.
func (e *EvolutionError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

type EvolutionConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Limiter *MessageRateLimiter

	// RetryCount is the number of retries after the first attempt on
	// transport failures, 429 and 5xx answers.
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

// EvolutionClient talks to an Evolution API server. Evolution changed its
// payload schemas between releases without versioned endpoints, so sends try
// each known shape in turn and remember the one that worked per instance.
type EvolutionClient struct {
	baseURL string
	rest    *resty.Client // retries transient failures
	once    *resty.Client // single attempt, for callers with their own backoff
	limiter *MessageRateLimiter

	mu        sync.RWMutex
	preferred map[string]string // instance|kind -> shape name

	log *logrus.Entry
}

func NewEvolutionClient(cfg EvolutionConfig) *EvolutionClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = 2
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = 4 * time.Second
	}

	log := logger.Component("evolution")
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	rest := newRestClient(baseURL, cfg.APIKey, cfg.Timeout, log).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && retryableStatus(resp.StatusCode())
		}).
		AddRetryHook(func(resp *resty.Response, err error) {
			fields := logrus.Fields{}
			if resp != nil {
				fields["path"] = resp.Request.URL
				fields["status"] = resp.StatusCode()
				fields["attempt"] = resp.Request.Attempt
			}
			if err != nil {
				fields["error"] = err.Error()
			}
			log.WithFields(fields).Warn("evolution request failed, retrying")
		})

	return &EvolutionClient{
		baseURL:   baseURL,
		rest:      rest,
		once:      newRestClient(baseURL, cfg.APIKey, cfg.Timeout, log),
		limiter:   cfg.Limiter,
		preferred: make(map[string]string),
		log:       log,
	}
}

func newRestClient(baseURL, apiKey string, timeout time.Duration, log *logrus.Entry) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("apikey", apiKey).
		SetHeader("Accept", "application/json").
		SetLogger(log)
}

// Configured reports whether a base URL was provided.
func (c *EvolutionClient) Configured() bool {
	return c.baseURL != ""
}

func (c *EvolutionClient) execute(ctx context.Context, client *resty.Client, method, path string, body any, out any) error {
	if !c.Configured() {
		return entities.ErrGatewayUnavailable
	}

	req := client.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out).ForceContentType("application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("evolution %s %s: %w", method, path, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return &EvolutionError{Method: method, Path: path, Status: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}
	return nil
}

// do makes a single attempt.
func (c *EvolutionClient) do(ctx context.Context, method, path string, body any, out any) error {
	return c.execute(ctx, c.once, method, path, body, out)
}

// doWithRetry retries transport failures, 429 and 5xx answers.
func (c *EvolutionClient) doWithRetry(ctx context.Context, method, path string, body any, out any) error {
	return c.execute(ctx, c.rest, method, path, body, out)
}

type payloadShape struct {
	name string
	body map[string]any
}

// abortsDelivery reports errors that no other payload format or text
// fallback can get past.
func abortsDelivery(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, entities.ErrGatewayUnavailable) {
		return true
	}
	var evoErr *EvolutionError
	return errors.As(err, &evoErr) && evoErr.Unauthorized()
}

// sendShapes posts each shape until one is accepted. A shape that is
// rejected, or still fails after the transport retries, gives way to the
// next one. Auth failures and cancellation abort.
func (c *EvolutionClient) sendShapes(ctx context.Context, instance, kind, path string, shapes []payloadShape) error {
	memoKey := instance + "|" + kind

	c.mu.RLock()
	preferred := c.preferred[memoKey]
	c.mu.RUnlock()

	ordered := make([]payloadShape, 0, len(shapes))
	for _, s := range shapes {
		if s.name == preferred {
			ordered = append(ordered, s)
		}
	}
	for _, s := range shapes {
		if s.name != preferred {
			ordered = append(ordered, s)
		}
	}

	var lastErr error
	for _, shape := range ordered {
		err := c.doWithRetry(ctx, http.MethodPost, path, shape.body, nil)
		if err == nil {
			if shape.name != preferred {
				c.mu.Lock()
				c.preferred[memoKey] = shape.name
				c.mu.Unlock()
				c.log.WithFields(logrus.Fields{"instance": instance, "kind": kind, "format": shape.name}).Info("evolution payload format selected")
			}
			return nil
		}
		if abortsDelivery(ctx, err) {
			return err
		}
		lastErr = err
		c.log.WithFields(logrus.Fields{"instance": instance, "kind": kind, "format": shape.name}).Debug("evolution payload format failed: " + err.Error())
	}
	return fmt.Errorf("all %s payload formats failed: %w", kind, lastErr)
}

// PreferredFormat returns the remembered shape for instance and kind.
func (c *EvolutionClient) PreferredFormat(instance, kind string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.preferred[instance+"|"+kind]
}

func (c *EvolutionClient) throttle(ctx context.Context, instance string) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx, instance)
}

func instancePath(prefix, instance string) string {
	return prefix + url.PathEscape(instance)
}

// SendText delivers a plain text message.
func (c *EvolutionClient) SendText(ctx context.Context, instance, to, text string) error {
	if err := c.throttle(ctx, instance); err != nil {
		return err
	}
	return c.sendText(ctx, instance, to, text)
}

// sendText skips the throttle. Fallbacks use it, having already waited for
// their own send.
func (c *EvolutionClient) sendText(ctx context.Context, instance, to, text string) error {
	number := entities.NormalizePhone(to)
	shapes := []payloadShape{
		{name: "v2", body: map[string]any{
			"number": number,
			"text":   text,
			"delay":  sendDelayMs,
		}},
		{name: "v1", body: map[string]any{
			"number":      number,
			"options":     map[string]any{"delay": sendDelayMs, "presence": "composing"},
			"textMessage": map[string]any{"text": text},
		}},
	}
	return c.sendShapes(ctx, instance, "text", instancePath("/message/sendText/", instance), shapes)
}

// SendButtons delivers reply buttons, falling back to numbered text when no
// buttons format gets through.
func (c *EvolutionClient) SendButtons(ctx context.Context, instance, to string, msg entities.ButtonMessage) error {
	if err := c.throttle(ctx, instance); err != nil {
		return err
	}
	number := entities.NormalizePhone(to)

	v2Buttons := make([]map[string]any, 0, len(msg.Buttons))
	v1Buttons := make([]map[string]any, 0, len(msg.Buttons))
	legacyButtons := make([]map[string]any, 0, len(msg.Buttons))
	for _, b := range msg.Buttons {
		v2Buttons = append(v2Buttons, map[string]any{"type": "reply", "displayText": b.Label, "id": b.ID})
		v1Buttons = append(v1Buttons, map[string]any{"buttonId": b.ID, "buttonText": map[string]any{"displayText": b.Label}})
		legacyButtons = append(legacyButtons, map[string]any{"buttonId": b.ID, "buttonText": map[string]any{"displayText": b.Label}, "type": 1})
	}

	shapes := []payloadShape{
		{name: "v2", body: map[string]any{
			"number":      number,
			"title":       msg.Title,
			"description": msg.Description,
			"footer":      msg.Footer,
			"buttons":     v2Buttons,
		}},
		{name: "v1", body: map[string]any{
			"number":  number,
			"options": map[string]any{"delay": sendDelayMs, "presence": "composing"},
			"buttonMessage": map[string]any{
				"title":       msg.Title,
				"description": msg.Description,
				"footerText":  msg.Footer,
				"buttons":     v1Buttons,
			},
		}},
		{name: "legacy", body: map[string]any{
			"number": number,
			"buttonsMessage": map[string]any{
				"text":       joinNonEmpty("\n\n", msg.Title, msg.Description),
				"footer":     msg.Footer,
				"buttons":    legacyButtons,
				"headerType": 1,
			},
		}},
	}

	err := c.sendShapes(ctx, instance, "buttons", instancePath("/message/sendButtons/", instance), shapes)
	if err == nil || abortsDelivery(ctx, err) {
		return err
	}
	c.log.WithField("instance", instance).Warn("buttons not delivered, falling back to text: " + err.Error())
	return c.sendText(ctx, instance, to, RenderButtonsText(msg))
}

// SendList delivers a list message, falling back to numbered text when no
// list format gets through.
func (c *EvolutionClient) SendList(ctx context.Context, instance, to string, msg entities.ListMessage) error {
	if err := c.throttle(ctx, instance); err != nil {
		return err
	}
	number := entities.NormalizePhone(to)

	sections := make([]map[string]any, 0, len(msg.Sections))
	for _, s := range msg.Sections {
		rows := make([]map[string]any, 0, len(s.Rows))
		for _, r := range s.Rows {
			rows = append(rows, map[string]any{"title": r.Title, "description": r.Description, "rowId": r.ID})
		}
		sections = append(sections, map[string]any{"title": s.Title, "rows": rows})
	}

	shapes := []payloadShape{
		{name: "v2", body: map[string]any{
			"number":      number,
			"title":       msg.Title,
			"description": msg.Description,
			"buttonText":  msg.ButtonText,
			"footerText":  msg.Footer,
			"sections":    sections,
		}},
		{name: "v1", body: map[string]any{
			"number":  number,
			"options": map[string]any{"delay": sendDelayMs, "presence": "composing"},
			"listMessage": map[string]any{
				"title":       msg.Title,
				"description": msg.Description,
				"buttonText":  msg.ButtonText,
				"footerText":  msg.Footer,
				"sections":    sections,
			},
		}},
		{name: "values", body: map[string]any{
			"number":      number,
			"title":       msg.Title,
			"description": msg.Description,
			"buttonText":  msg.ButtonText,
			"footerText":  msg.Footer,
			"values":      sections,
		}},
	}

	err := c.sendShapes(ctx, instance, "list", instancePath("/message/sendList/", instance), shapes)
	if err == nil || abortsDelivery(ctx, err) {
		return err
	}
	c.log.WithField("instance", instance).Warn("list not delivered, falling back to text: " + err.Error())
	return c.sendText(ctx, instance, to, RenderListText(msg))
}

// CreateInstance registers a Baileys instance and returns its API token.
func (c *EvolutionClient) CreateInstance(ctx context.Context, name, webhookURL string) (string, error) {
	token := uuid.NewString()
	payload := map[string]any{
		"instanceName": name,
		"qrcode":       true,
		"integration":  "WHATSAPP-BAILEYS",
		"token":        token,
	}
	if webhookURL != "" {
		payload["webhook"] = map[string]any{
			"url":      webhookURL,
			"byEvents": false,
			"base64":   true,
			"events":   webhookEvents,
		}
	}

	var resp struct {
		Hash json.RawMessage `json:"hash"`
	}
	if err := c.doWithRetry(ctx, http.MethodPost, "/instance/create", payload, &resp); err != nil {
		return "", err
	}

	// v1 answers {"hash": {"apikey": "..."}}, v2 answers {"hash": "..."}.
	var hash string
	if err := json.Unmarshal(resp.Hash, &hash); err == nil && hash != "" {
		return hash, nil
	}
	var nested struct {
		APIKey string `json:"apikey"`
	}
	if err := json.Unmarshal(resp.Hash, &nested); err == nil && nested.APIKey != "" {
		return nested.APIKey, nil
	}
	return token, nil
}

var webhookEvents = []string{"MESSAGES_UPSERT", "CONNECTION_UPDATE", "QRCODE_UPDATED"}

// SetWebhook points the instance's events at url.
func (c *EvolutionClient) SetWebhook(ctx context.Context, instance, webhookURL string) error {
	shapes := []payloadShape{
		{name: "v2", body: map[string]any{
			"webhook": map[string]any{
				"enabled":  true,
				"url":      webhookURL,
				"byEvents": false,
				"base64":   true,
				"events":   webhookEvents,
			},
		}},
		{name: "v1", body: map[string]any{
			"enabled":           true,
			"url":               webhookURL,
			"webhook_by_events": false,
			"webhook_base64":    true,
			"events":            webhookEvents,
		}},
	}
	return c.sendShapes(ctx, instance, "webhook", instancePath("/webhook/set/", instance), shapes)
}

// Connect starts pairing and returns the QR code. An already paired
// instance answers with State "open" and no code.
func (c *EvolutionClient) Connect(ctx context.Context, instance string) (*entities.QRCode, error) {
	var resp struct {
		Code        string `json:"code"`
		Base64      string `json:"base64"`
		PairingCode string `json:"pairingCode"`
		Instance    struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := c.doWithRetry(ctx, http.MethodGet, instancePath("/instance/connect/", instance), nil, &resp); err != nil {
		return nil, err
	}

	qr := &entities.QRCode{
		State:       resp.Instance.State,
		Code:        resp.Code,
		Base64:      resp.Base64,
		PairingCode: resp.PairingCode,
	}
	if qr.Base64 == "" && qr.Code != "" {
		png, err := RenderQRPNG(qr.Code)
		if err != nil {
			return nil, err
		}
		qr.Base64 = png
	}
	if qr.State == "" && qr.Code != "" {
		qr.State = entities.StateConnecting
	}
	return qr, nil
}

// ConnectionState returns "open", "connecting" or "close".
func (c *EvolutionClient) ConnectionState(ctx context.Context, instance string) (string, error) {
	var resp struct {
		State    string `json:"state"`
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := c.do(ctx, http.MethodGet, instancePath("/instance/connectionState/", instance), nil, &resp); err != nil {
		return "", err
	}
	if resp.Instance.State != "" {
		return resp.Instance.State, nil
	}
	if resp.State != "" {
		return resp.State, nil
	}
	return entities.StateClose, nil
}

// PhoneNumber returns the number paired with the instance, or "" while
// unpaired.
func (c *EvolutionClient) PhoneNumber(ctx context.Context, instance string) (string, error) {
	var resp []map[string]any
	path := "/instance/fetchInstances?instanceName=" + url.QueryEscape(instance)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	for _, item := range resp {
		if owner, ok := item["ownerJid"].(string); ok && owner != "" {
			return jidUser(owner), nil
		}
		if inner, ok := item["instance"].(map[string]any); ok {
			if owner, ok := inner["owner"].(string); ok && owner != "" {
				return jidUser(owner), nil
			}
		}
	}
	return "", nil
}

func jidUser(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}

// Logout unpairs the instance. An unknown instance counts as logged out.
func (c *EvolutionClient) Logout(ctx context.Context, instance string) error {
	err := c.doWithRetry(ctx, http.MethodDelete, instancePath("/instance/logout/", instance), nil, nil)
	var evoErr *EvolutionError
	if errors.As(err, &evoErr) && evoErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// RenderQRPNG encodes a pairing code as a PNG data URI.
func RenderQRPNG(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("render qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// RenderButtonsText is the numbered text form of a buttons message.
func RenderButtonsText(msg entities.ButtonMessage) string {
	var sb strings.Builder
	if msg.Title != "" {
		sb.WriteString("*" + msg.Title + "*\n\n")
	}
	if msg.Description != "" {
		sb.WriteString(msg.Description + "\n\n")
	}
	for i, b := range msg.Buttons {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, b.Label))
	}
	if msg.Footer != "" {
		sb.WriteString("\n_" + msg.Footer + "_")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// RenderListText is the numbered text form of a list message. Numbering runs
// across sections so that replies map onto the flattened rows.
func RenderListText(msg entities.ListMessage) string {
	var sb strings.Builder
	if msg.Title != "" {
		sb.WriteString("*" + msg.Title + "*\n\n")
	}
	if msg.Description != "" {
		sb.WriteString(msg.Description + "\n\n")
	}
	n := 0
	for _, s := range msg.Sections {
		if s.Title != "" && len(msg.Sections) > 1 {
			sb.WriteString("*" + s.Title + "*\n")
		}
		for _, r := range s.Rows {
			n++
			if r.Description != "" {
				sb.WriteString(fmt.Sprintf("%d. %s - %s\n", n, r.Title, r.Description))
			} else {
				sb.WriteString(fmt.Sprintf("%d. %s\n", n, r.Title))
			}
		}
	}
	if msg.Footer != "" {
		sb.WriteString("\n_" + msg.Footer + "_")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
