// Package mpesa is a client for the Safaricom Daraja STK push API.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
	"github.com/xenking/soda-storefront/internal/domain/payment"
)

// Base URLs of the two Daraja environments.
const (
	SandboxURL    = "https://sandbox.safaricom.co.ke"
	ProductionURL = "https://api.safaricom.co.ke"
)

const (
	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	transactionType = "CustomerPayBillOnline"
	timestampLayout = "20060102150405"

	// tokenSkew renews the access token slightly before the provider expires it.
	tokenSkew = time.Minute
)

// eat is the provider's local time zone; request timestamps are in it.
var eat = time.FixedZone("EAT", 3*60*60)

var _ payment.Gateway = (*Client)(nil)

// Config holds the Daraja credentials and endpoints.
type Config struct {
	// Environment selects the base URL: "production" or anything else for sandbox.
	Environment string `default:"sandbox" yaml:"environment"`
	// BaseURL overrides the environment URL. Used against stubs.
	BaseURL        string        `yaml:"base_url"`
	ConsumerKey    string        `yaml:"consumer_key"`
	ConsumerSecret string        `yaml:"consumer_secret"`
	ShortCode      string        `yaml:"shortcode"`
	PassKey        string        `yaml:"passkey"`
	CallbackURL    string        `yaml:"callback_url"`
	Timeout        time.Duration `default:"30s" yaml:"timeout"`
}

// URL returns the effective API base URL.
func (c Config) URL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Environment == "production" {
		return ProductionURL
	}
	return SandboxURL
}

func (c Config) validate() error {
	missing := make([]string, 0, 5)
	for name, v := range map[string]string{
		"consumer_key":    c.ConsumerKey,
		"consumer_secret": c.ConsumerSecret,
		"shortcode":       c.ShortCode,
		"passkey":         c.PassKey,
		"callback_url":    c.CallbackURL,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("mpesa: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTracerProvider sets the tracer provider used for provider call spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tracer = tp.Tracer("github.com/xenking/soda-storefront/internal/mpesa") }
}

// WithClock overrides the time source for timestamps and token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client calls the Daraja API. It caches the OAuth access token until shortly
// before it expires and is safe for concurrent use.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	tracer  trace.Tracer
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// New creates a Client. All credentials are required.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		cfg:     cfg,
		baseURL: cfg.URL(),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tracer: otel.GetTracerProvider().Tracer("github.com/xenking/soda-storefront/internal/mpesa"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// accessToken returns a cached token or fetches a new one.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expires) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tokenPath, http.NoBody)
	if err != nil {
		return "", errors.Wrap(err, "build token request")
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	fields, err := decodeFlat(body)
	if err != nil {
		return "", errors.Wrap(err, "decode token response")
	}
	token := fields["access_token"]
	if token == "" {
		return "", errors.New("token response without access_token")
	}
	ttl := time.Hour
	if s, err := strconv.Atoi(fields["expires_in"]); err == nil && s > 0 {
		ttl = time.Duration(s) * time.Second
	}
	c.token = token
	c.expires = c.now().Add(ttl - tokenSkew)
	return token, nil
}

// password derives the per-request password from the shortcode, passkey and
// timestamp.
func (c *Client) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.PassKey + ts))
}

// InitiatePush sends an STK push prompting the payer to authorize the amount.
func (c *Client) InitiatePush(ctx context.Context, req payment.PushRequest) (_ *payment.PushResponse, rerr error) {
	ctx, span := c.tracer.Start(ctx, "mpesa.InitiatePush", trace.WithAttributes(
		attribute.String("mpesa.reference", req.Reference),
		attribute.Int64("mpesa.amount", req.Amount),
	))
	defer func() { endSpan(span, rerr) }()

	ts := c.now().In(eat).Format(timestampLayout)

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("BusinessShortCode")
	e.Str(c.cfg.ShortCode)
	e.FieldStart("Password")
	e.Str(c.password(ts))
	e.FieldStart("Timestamp")
	e.Str(ts)
	e.FieldStart("TransactionType")
	e.Str(transactionType)
	e.FieldStart("Amount")
	e.Int64(req.Amount)
	e.FieldStart("PartyA")
	e.Str(req.Phone)
	e.FieldStart("PartyB")
	e.Str(c.cfg.ShortCode)
	e.FieldStart("PhoneNumber")
	e.Str(req.Phone)
	e.FieldStart("CallBackURL")
	e.Str(c.cfg.CallbackURL)
	e.FieldStart("AccountReference")
	e.Str(req.Reference)
	e.FieldStart("TransactionDesc")
	e.Str(req.Description)
	e.ObjEnd()

	fields, err := c.post(ctx, pushPath, e.Bytes())
	if err != nil {
		return nil, &apperr.ProviderError{Op: "stk push", Err: err}
	}
	resp := &payment.PushResponse{
		MerchantRequestID:   fields["MerchantRequestID"],
		CheckoutRequestID:   fields["CheckoutRequestID"],
		ResponseCode:        fields["ResponseCode"],
		ResponseDescription: fields["ResponseDescription"],
		CustomerMessage:     fields["CustomerMessage"],
	}
	if resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		return nil, &apperr.ProviderError{
			Op:  "stk push",
			Err: errors.Errorf("rejected with code %q: %s", resp.ResponseCode, resp.ResponseDescription),
		}
	}
	span.SetAttributes(attribute.String("mpesa.checkout_request_id", resp.CheckoutRequestID))
	return resp, nil
}

// QueryPush asks the provider for the result of an earlier push.
func (c *Client) QueryPush(ctx context.Context, checkoutRequestID string) (_ *payment.PushStatus, rerr error) {
	ctx, span := c.tracer.Start(ctx, "mpesa.QueryPush", trace.WithAttributes(
		attribute.String("mpesa.checkout_request_id", checkoutRequestID),
	))
	defer func() { endSpan(span, rerr) }()

	ts := c.now().In(eat).Format(timestampLayout)

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("BusinessShortCode")
	e.Str(c.cfg.ShortCode)
	e.FieldStart("Password")
	e.Str(c.password(ts))
	e.FieldStart("Timestamp")
	e.Str(ts)
	e.FieldStart("CheckoutRequestID")
	e.Str(checkoutRequestID)
	e.ObjEnd()

	fields, err := c.post(ctx, queryPath, e.Bytes())
	if err != nil {
		return nil, &apperr.ProviderError{Op: "stk query", Err: err}
	}
	return &payment.PushStatus{
		CheckoutRequestID:   fields["CheckoutRequestID"],
		ResponseCode:        fields["ResponseCode"],
		ResponseDescription: fields["ResponseDescription"],
		ResultCode:          fields["ResultCode"],
		ResultDesc:          fields["ResultDesc"],
	}, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) (map[string]string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "access token")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	fields, err := decodeFlat(body)
	if err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	return fields, nil
}

// do executes req and returns the body of a 2xx response. Error bodies carry
// errorCode and errorMessage, which end up in the returned error.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if resp.StatusCode/100 != 2 {
		if fields, derr := decodeFlat(body); derr == nil && fields["errorMessage"] != "" {
			return nil, errors.Errorf("status %d: %s (%s)", resp.StatusCode, fields["errorMessage"], fields["errorCode"])
		}
		return nil, errors.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}

// decodeFlat reads the scalar top-level fields of a JSON object as strings.
// Daraja is inconsistent about quoting numeric codes, so numbers and strings
// are treated alike.
func decodeFlat(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		v, ok, err := scalar(d)
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		if ok {
			out[key] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// scalar reads a string, number or boolean as text and skips anything else.
func scalar(d *jx.Decoder) (string, bool, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		return s, err == nil, err
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", false, err
		}
		return n.String(), true, nil
	case jx.Bool:
		b, err := d.Bool()
		return strconv.FormatBool(b), err == nil, err
	default:
		return "", false, d.Skip()
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
