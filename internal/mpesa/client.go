// Package mpesa is a client for the Safaricom Daraja STK push API.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/bizhub-orders/internal/apperr"
)

const (
	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"

	TransactionTypePayBill = "CustomerPayBillOnline"

	timestampLayout = "20060102150405"
	// tokens are refreshed this long before the gateway says they expire
	tokenSkew = 30 * time.Second
)

// Daraja timestamps are East Africa Time, which has no DST.
var eat = time.FixedZone("EAT", 3*60*60)

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type PushRequest struct {
	Amount           int64
	PhoneNumber      string
	AccountReference string
	TransactionDesc  string
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// PushAck is the synchronous acknowledgement of an STK push. The payment
// result arrives later on the callback URL, keyed by CheckoutRequestID.
type PushAck struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// ErrorBody is what Daraja returns on rejected requests.
type ErrorBody struct {
	RequestID    string `json:"requestId,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	HTTPStatus   int    `json:"http_status,omitempty"`
	Raw          string `json:"raw,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

// AccessToken returns a cached bearer token, fetching a new one when the
// cached token is missing or about to expire.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, err, "build token request")
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	status, body, err := c.do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeGateway, err, "fetch access token")
	}
	if status != http.StatusOK {
		return "", gatewayError("failed to get access token", status, body)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return "", gatewayError("failed to get access token", status, body)
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(tr.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	c.mu.Lock()
	c.token = tr.AccessToken
	c.tokenExp = c.now().Add(ttl - tokenSkew)
	c.mu.Unlock()
	return tr.AccessToken, nil
}

// Push sends an STK push request. Only an HTTP 200 with ResponseCode "0" is
// treated as accepted.
func (c *Client) Push(ctx context.Context, pr PushRequest) (*PushAck, error) {
	if pr.Amount <= 0 {
		return nil, apperr.Newf(apperr.CodeValidation, "amount must be positive, got %d", pr.Amount)
	}
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := Timestamp(c.now())
	payload, err := json.Marshal(stkPushBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   TransactionTypePayBill,
		Amount:            pr.Amount,
		PartyA:            pr.PhoneNumber,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       pr.PhoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  pr.AccountReference,
		TransactionDesc:   pr.TransactionDesc,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "encode stk push")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+pushPath, bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "build stk push request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	status, body, err := c.do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeGateway, err, "send stk push")
	}
	if status == http.StatusUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
	}
	if status != http.StatusOK {
		return nil, gatewayError("payment initiation failed", status, body)
	}
	var ack PushAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, gatewayError("invalid JSON response", status, body)
	}
	if ack.ResponseCode != "0" || ack.CheckoutRequestID == "" {
		return nil, apperr.New(apperr.CodeGateway, "payment initiation rejected").WithDetails(ack)
	}
	return &ack, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func gatewayError(msg string, status int, body []byte) *apperr.Error {
	detail := ErrorBody{HTTPStatus: status}
	if err := json.Unmarshal(body, &detail); err != nil || (detail.ErrorCode == "" && detail.ErrorMessage == "") {
		detail.Raw = string(body)
	}
	detail.HTTPStatus = status
	return apperr.New(apperr.CodeGateway, msg).WithDetails(detail)
}
