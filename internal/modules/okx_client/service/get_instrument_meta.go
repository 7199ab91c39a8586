package service

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"breakout_bot/internal/helper"
	"breakout_bot/internal/models"
)

// InstrumentMeta — метаданные SWAP инструмента, кешируются на время жизни клиента.
func (c *Client) InstrumentMeta(ctx context.Context, instID string) (models.Instrument, error) {
	c.mu.RLock()
	meta, ok := c.metas[instID]
	c.mu.RUnlock()
	if ok {
		return meta, nil
	}

	meta, err := c.GetInstrumentMeta(ctx, instID)
	if err != nil {
		return models.Instrument{}, err
	}
	c.mu.Lock()
	c.metas[instID] = meta
	c.mu.Unlock()
	return meta, nil
}

func (c *Client) GetInstrumentMeta(ctx context.Context, instID string) (models.Instrument, error) {
	var rows []instrumentRow
	path := "/api/v5/public/instruments?instType=SWAP&instId=" + url.QueryEscape(instID)
	if err := c.do(ctx, "instruments", http.MethodGet, path, false, nil, &rows); err != nil {
		return models.Instrument{}, err
	}
	if len(rows) == 0 {
		return models.Instrument{}, fmt.Errorf("instrument %s not found", instID)
	}

	inst := rows[0]
	if inst.State != "" && inst.State != "live" {
		return models.Instrument{}, fmt.Errorf("instrument %s not live: state=%s", instID, inst.State)
	}

	parsePos := func(name, s string) (float64, error) {
		if s == "" {
			return 0, fmt.Errorf("%s empty", name)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("%s parse: %v (%q)", name, err, s)
		}
		return v, nil
	}

	lotSz, err := parsePos("lotSz", inst.LotSz)
	if err != nil {
		return models.Instrument{}, err
	}
	minSz, err := parsePos("minSz", inst.MinSz)
	if err != nil {
		return models.Instrument{}, err
	}
	tickSz, err := parsePos("tickSz", inst.TickSz)
	if err != nil {
		return models.Instrument{}, err
	}
	ctValBase, err := parsePos("ctVal", inst.CtVal)
	if err != nil {
		return models.Instrument{}, err
	}

	ctMult := 1.0
	if v := parseFloat(inst.CtMult); v > 0 {
		ctMult = v
	}

	lastPx, err := c.LastPrice(ctx, instID)
	if err != nil {
		return models.Instrument{}, fmt.Errorf("ticker: %w", err)
	}

	kind := models.ContractUnknown
	switch strings.ToLower(strings.TrimSpace(inst.CtType)) {
	case "linear":
		kind = models.ContractLinearUSDT
	case "inverse":
		kind = models.ContractInverseCoin
	}

	return models.Instrument{
		InstID:    inst.InstID,
		Kind:      kind,
		SettleCcy: inst.SettleCcy,
		CtValCcy:  inst.CtValCcy,

		LastPx:   lastPx,
		LotSz:    lotSz,
		MinSz:    minSz,
		TickSz:   tickSz,
		CtVal:    ctValBase * ctMult,
		MaxMktSz: parseFloat(inst.MaxMktSz),
	}, nil
}

func (c *Client) LastPrice(ctx context.Context, instID string) (float64, error) {
	var rows []tickerRow
	path := "/api/v5/market/ticker?instId=" + url.QueryEscape(instID)
	if err := c.do(ctx, "ticker", http.MethodGet, path, false, nil, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("ticker %s: empty data", instID)
	}
	px := parseFloat(rows[0].Last)
	if px <= 0 {
		return 0, fmt.Errorf("ticker %s: lastPx <= 0: %q", instID, rows[0].Last)
	}
	return px, nil
}

// contracts переводит размер в базовой валюте в контракты OKX, округляя вниз до lotSz.
func contracts(meta models.Instrument, qty float64) (float64, error) {
	if meta.Kind != models.ContractLinearUSDT {
		return 0, &models.BrokerError{Code: "unsupported_contract", Msg: fmt.Sprintf("%s: only linear swaps are traded", meta.InstID)}
	}
	sz := helper.RoundDownToTick(qty/meta.CtVal, meta.LotSz)
	if meta.MaxMktSz > 0 {
		sz = math.Min(sz, helper.RoundDownToTick(meta.MaxMktSz, meta.LotSz))
	}
	if sz < meta.MinSz {
		return 0, &models.BrokerError{
			Code: "below_min_size",
			Msg:  fmt.Sprintf("%s: %.8f contracts below minSz %.8f", meta.InstID, sz, meta.MinSz),
		}
	}
	return sz, nil
}
