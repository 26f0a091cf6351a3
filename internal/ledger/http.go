package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	logx "stakebot/pkg/logx"
)

// HTTPConfig points the client at the signer sidecar.
type HTTPConfig struct {
	BaseURL string
	Network string
	Timeout time.Duration
}

// HTTPGateway talks to the signer sidecar over its small JSON API:
//
//	POST /v1/transfer  {"target_id", "side", "amount", "network"} -> {"tx_id"}
//	GET  /v1/balance                                              -> {"free", "staked", "unit"}
//
// 5xx, timeouts and connection errors map to TransientError; 4xx map to
// PermanentError.
type HTTPGateway struct {
	cfg    HTTPConfig
	client *http.Client
	log    logx.Logger
}

func NewHTTP(cfg HTTPConfig, log logx.Logger) (*HTTPGateway, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("ledger base url is empty")
	}
	cfg.BaseURL = base
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}, nil
}

type transferPayload struct {
	TargetID int64  `json:"target_id"`
	Side     string `json:"side"`
	Amount   string `json:"amount"`
	Network  string `json:"network,omitempty"`
}

type transferResponse struct {
	TxID  string `json:"tx_id"`
	Error string `json:"error,omitempty"`
}

func (g *HTTPGateway) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if !req.Side.Valid() {
		return Receipt{}, Permanent(fmt.Errorf("invalid side %q", req.Side))
	}
	if req.Amount.Sign() <= 0 {
		return Receipt{}, Permanent(errors.New("amount must be > 0"))
	}

	body, err := json.Marshal(transferPayload{
		TargetID: req.TargetID,
		Side:     string(req.Side),
		Amount:   req.Amount.String(),
		Network:  g.cfg.Network,
	})
	if err != nil {
		return Receipt{}, Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/transfer", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		// Network errors and timeouts may have landed server-side; the
		// at-least-once contract covers that.
		return Receipt{}, Transient(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if err := classifyStatus(resp.StatusCode, resp.Body); err != nil {
		return Receipt{}, err
	}

	var tr transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Receipt{}, Transient(fmt.Errorf("decode transfer response: %w", err))
	}
	if tr.Error != "" {
		return Receipt{}, Permanent(errors.New(tr.Error))
	}
	if strings.TrimSpace(tr.TxID) == "" {
		return Receipt{}, Transient(errors.New("transfer response missing tx_id"))
	}
	return Receipt{TxID: tr.TxID}, nil
}

type balanceResponse struct {
	Free   string `json:"free"`
	Staked string `json:"staked"`
	Unit   string `json:"unit"`
}

func (g *HTTPGateway) Balance(ctx context.Context) (Balance, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/v1/balance", nil)
	if err != nil {
		return Balance{}, Permanent(err)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Balance{}, Transient(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if err := classifyStatus(resp.StatusCode, resp.Body); err != nil {
		return Balance{}, err
	}

	var br balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return Balance{}, Transient(fmt.Errorf("decode balance response: %w", err))
	}

	out := Balance{Unit: br.Unit}
	if out.Free, err = decimal.NewFromString(br.Free); err != nil {
		return Balance{}, Transient(fmt.Errorf("decode free balance: %w", err))
	}
	if out.Staked, err = decimal.NewFromString(br.Staked); err != nil {
		return Balance{}, Transient(fmt.Errorf("decode staked balance: %w", err))
	}
	if out.Unit == "" {
		out.Unit = "TAO"
	}
	return out, nil
}

func classifyStatus(code int, body io.Reader) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(body, 512))
	err := fmt.Errorf("signer returned %d: %s", code, strings.TrimSpace(string(msg)))
	if code >= 500 || code == http.StatusTooManyRequests {
		return Transient(err)
	}
	return Permanent(err)
}

var _ Gateway = (*HTTPGateway)(nil)
