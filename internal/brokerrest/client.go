// Package brokerrest is the typed REST façade over the broker's HTTP API:
// accounts, contracts, orders, positions, history bars, and stats.
package brokerrest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"gatewaycore/internal/brokerauth"
	"gatewaycore/internal/contracts"
)

// Config configures the broker REST client.
type Config struct {
	BaseURL               string
	AccountsCacheDuration time.Duration // default 5m
	HistoryCacheDuration  time.Duration // default 5m
	HistoryMaxConcurrent  int           // default 5
	HistoryRequestTimeout time.Duration // default 30s
	HistoryMaxRetries     int           // default 3
}

func (c *Config) applyDefaults() {
	if c.AccountsCacheDuration == 0 {
		c.AccountsCacheDuration = 5 * time.Minute
	}
	if c.HistoryCacheDuration == 0 {
		c.HistoryCacheDuration = 5 * time.Minute
	}
	if c.HistoryMaxConcurrent == 0 {
		c.HistoryMaxConcurrent = 5
	}
	if c.HistoryRequestTimeout == 0 {
		c.HistoryRequestTimeout = 30 * time.Second
	}
	if c.HistoryMaxRetries == 0 {
		c.HistoryMaxRetries = 3
	}
}

// ContractLookup resolves a contract ID to its cached contract, matching
// contracts.Cache.ByContractID's signature.
type ContractLookup func(contractID string) (*contracts.Contract, bool)

// SetContractLookup wires in the contract cache's tick-size lookup, used to
// round order prices before they are submitted.
func (c *Client) SetContractLookup(lookup ContractLookup) {
	c.contractLookup = lookup
}

// Client is the broker REST façade.
type Client struct {
	cfg  Config
	http *resty.Client
	auth *brokerauth.Client

	contractLookup ContractLookup

	accounts *accountsCache
	history  *historyCache
	histSem  chan struct{}
}

// New creates a broker REST client. auth supplies bearer tokens for every
// request via EnsureValidToken.
func New(cfg Config, auth *brokerauth.Client) *Client {
	cfg.applyDefaults()

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(cfg.HistoryMaxRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Client{
		cfg:      cfg,
		http:     httpClient,
		auth:     auth,
		accounts: newAccountsCache(cfg.AccountsCacheDuration),
		history:  newHistoryCache(cfg.HistoryCacheDuration),
		histSem:  make(chan struct{}, cfg.HistoryMaxConcurrent),
	}
}

func (c *Client) authed(ctx context.Context) (*resty.Request, error) {
	headers, err := c.auth.AuthHeaders(ctx)
	if err != nil {
		return nil, fmt.Errorf("brokerrest: auth: %w", err)
	}
	return c.http.R().SetContext(ctx).SetHeaders(headers), nil
}

// Account is the filtered account payload the gateway core consumes.
type Account struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Balance  float64 `json:"balance"`
	CanTrade bool    `json:"canTrade"`
}

type accountSearchResponse struct {
	Success bool      `json:"success"`
	Accounts []Account `json:"accounts"`
}

// FetchAccounts returns tradeable accounts, serving from a 5-minute cache
// unless forceFresh is set.
func (c *Client) FetchAccounts(ctx context.Context, forceFresh bool) ([]Account, error) {
	if !forceFresh {
		if cached, ok := c.accounts.get(); ok {
			return cached, nil
		}
	}

	req, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}
	var result accountSearchResponse
	resp, err := req.SetResult(&result).Post("/Account/search")
	if err != nil {
		return nil, fmt.Errorf("brokerrest: fetch accounts: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		return nil, fmt.Errorf("brokerrest: fetch accounts: status %d", resp.StatusCode())
	}

	tradeable := make([]Account, 0, len(result.Accounts))
	for _, a := range result.Accounts {
		if a.CanTrade {
			tradeable = append(tradeable, a)
		}
	}
	c.accounts.set(tradeable)
	return tradeable, nil
}

type contractAvailableResponse struct {
	Success   bool                    `json:"success"`
	Contracts []contracts.RawContract `json:"contracts"`
}

// FetchContractsAvailable returns active contracts, optionally filtered to
// micro-sized instruments.
func (c *Client) FetchContractsAvailable(ctx context.Context, microOnly bool) ([]contracts.RawContract, error) {
	req, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}
	var result contractAvailableResponse
	resp, err := req.SetResult(&result).Post("/Contract/available")
	if err != nil {
		return nil, fmt.Errorf("brokerrest: fetch contracts: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		return nil, fmt.Errorf("brokerrest: fetch contracts: status %d", resp.StatusCode())
	}

	out := make([]contracts.RawContract, 0, len(result.Contracts))
	for _, rc := range result.Contracts {
		if !rc.Active {
			continue
		}
		if microOnly && !isMicro(rc) {
			continue
		}
		out = append(out, rc)
	}
	return out, nil
}

// isMicro reports whether a contract's ID or name carries a micro-contract
// marker (e.g. "MICRO E-MINI", contract ID symbol segment prefixed "M").
func isMicro(rc contracts.RawContract) bool {
	upper := strings.ToUpper(rc.ID + " " + rc.Name)
	if strings.Contains(upper, "MICRO") {
		return true
	}
	parts := strings.Split(rc.ID, ".")
	return len(parts) == 5 && strings.HasPrefix(parts[3], "M")
}

// ContractsFetcher adapts FetchContractsAvailable to contracts.Fetcher.
func (c *Client) ContractsFetcher(microOnly bool) contracts.Fetcher {
	return func(ctx context.Context) ([]contracts.RawContract, error) {
		return c.FetchContractsAvailable(ctx, microOnly)
	}
}
