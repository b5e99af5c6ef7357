package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/campuspay/fulfillment/internal/clock"
	"github.com/campuspay/fulfillment/internal/config"
	"go.uber.org/zap"
)

// tokenExpiryMargin refreshes the OAuth token slightly before the provider
// would reject it.
const tokenExpiryMargin = 30 * time.Second

type darajaGateway struct {
	cfg    config.DarajaConfig
	clock  clock.Clock
	log    *zap.Logger
	client *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewDarajaGateway builds the Safaricom Daraja STK push client.
func NewDarajaGateway(cfg config.DarajaConfig, clk clock.Clock, log *zap.Logger) (Gateway, error) {
	if strings.TrimSpace(cfg.ConsumerKey) == "" ||
		strings.TrimSpace(cfg.ConsumerSecret) == "" ||
		strings.TrimSpace(cfg.ShortCode) == "" ||
		strings.TrimSpace(cfg.Passkey) == "" {
		return nil, ErrInvalidConfig
	}
	return &darajaGateway{
		cfg:    cfg,
		clock:  clk,
		log:    log.Named("gateway.daraja"),
		client: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type darajaTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type darajaSTKRequest struct {
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

type darajaSTKResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

func (g *darajaGateway) Initiate(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	token, err := g.token(ctx)
	if err != nil {
		return InitiateResult{}, err
	}

	now := g.clock.Now()
	timestamp := now.Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(g.cfg.ShortCode + g.cfg.Passkey + timestamp))

	reqBody := darajaSTKRequest{
		BusinessShortCode: g.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            in.Amount,
		PartyA:            in.Phone,
		PartyB:            g.cfg.ShortCode,
		PhoneNumber:       in.Phone,
		CallBackURL:       g.cfg.CallbackURL,
		AccountReference:  in.Reference,
		TransactionDesc:   in.Description,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return InitiateResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(payload))
	if err != nil {
		return InitiateResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		g.log.Warn("stk push rejected", zap.Int("status", resp.StatusCode))
		return InitiateResult{}, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var stkResp darajaSTKResponse
	if err := json.NewDecoder(resp.Body).Decode(&stkResp); err != nil {
		return InitiateResult{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if stkResp.ResponseCode != "0" {
		g.log.Warn("stk push declined",
			zap.String("response_code", stkResp.ResponseCode),
			zap.String("description", stkResp.ResponseDescription),
		)
		return InitiateResult{}, fmt.Errorf("%w: response code %s", ErrUpstream, stkResp.ResponseCode)
	}

	return InitiateResult{
		ProviderRef:     stkResp.CheckoutRequestID,
		MerchantRef:     stkResp.MerchantRequestID,
		CustomerMessage: stkResp.CustomerMessage,
	}, nil
}

func (g *darajaGateway) token(ctx context.Context) (string, error) {
	now := g.clock.Now()

	g.mu.Lock()
	if g.accessToken != "" && now.Before(g.tokenExpiry.Add(-tokenExpiryMargin)) {
		token := g.accessToken
		g.mu.Unlock()
		return token, nil
	}
	g.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(g.cfg.ConsumerKey, g.cfg.ConsumerSecret)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("%w: token status %d", ErrUpstream, resp.StatusCode)
	}

	var tokenResp darajaTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if strings.TrimSpace(tokenResp.AccessToken) == "" {
		return "", fmt.Errorf("%w: empty access token", ErrUpstream)
	}

	ttl := 3600
	if parsed, err := strconv.Atoi(strings.TrimSpace(tokenResp.ExpiresIn)); err == nil && parsed > 0 {
		ttl = parsed
	}

	g.mu.Lock()
	g.accessToken = tokenResp.AccessToken
	g.tokenExpiry = now.Add(time.Duration(ttl) * time.Second)
	g.mu.Unlock()

	return tokenResp.AccessToken, nil
}
