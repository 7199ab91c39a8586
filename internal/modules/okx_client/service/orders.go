package service

import (
	"context"
	"fmt"
	"math"
	"net/http"

	"breakout_bot/internal/models"
)

// ListOpenOrders — обычные и условные (SL/TP) отложенные ордера по SWAP.
// Size в контрактах.
func (c *Client) ListOpenOrders(ctx context.Context) ([]models.BrokerOrder, error) {
	var rows []pendingOrderRow
	if err := c.do(ctx, "orders_pending", http.MethodGet, "/api/v5/trade/orders-pending?instType=SWAP", true, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]models.BrokerOrder, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.BrokerOrder{
			OrderID:   r.OrdID,
			ClientRef: r.ClOrdID,
			Symbol:    r.InstID,
			Side:      fromOKXSide(r.Side),
			Kind:      r.OrdType,
			Price:     parseFloat(r.Px),
			Size:      parseFloat(r.Sz),
			State:     r.State,
			CreatedAt: parseMillis(r.CTime),
		})
	}

	algos, err := c.pendingAlgos(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range algos {
		px := parseFloat(a.SlTriggerPx)
		if px == 0 {
			px = parseFloat(a.TpTriggerPx)
		}
		out = append(out, models.BrokerOrder{
			OrderID:   a.AlgoID,
			ClientRef: a.AlgoClOrdID,
			Symbol:    a.InstID,
			Side:      fromOKXSide(a.Side),
			Kind:      a.OrdType,
			Price:     px,
			Size:      parseFloat(a.Sz),
			State:     a.State,
			CreatedAt: parseMillis(a.CTime),
		})
	}
	return out, nil
}

func (c *Client) pendingAlgos(ctx context.Context) ([]pendingAlgoRow, error) {
	var rows []pendingAlgoRow
	path := "/api/v5/trade/orders-algo-pending?instType=SWAP&ordType=conditional"
	if err := c.do(ctx, "orders_algo_pending", http.MethodGet, path, true, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ListRecentFills — исполнения за последние трое суток (окно OKX /trade/fills).
func (c *Client) ListRecentFills(ctx context.Context) ([]models.BrokerFill, error) {
	var rows []fillRow
	if err := c.do(ctx, "fills", http.MethodGet, "/api/v5/trade/fills?instType=SWAP", true, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]models.BrokerFill, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.BrokerFill{
			TradeID:   r.TradeID,
			OrderID:   r.OrdID,
			ClientRef: r.ClOrdID,
			Symbol:    r.InstID,
			Side:      fromOKXSide(r.Side),
			Price:     parseFloat(r.FillPx),
			Size:      parseFloat(r.FillSz),
			Time:      parseMillis(r.Ts),
		})
	}
	return out, nil
}

func (c *Client) OpenPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	var rows []positionRow
	if err := c.do(ctx, "positions", http.MethodGet, "/api/v5/account/positions?instType=SWAP", true, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]models.BrokerPosition, 0, len(rows))
	for _, r := range rows {
		size := parseFloat(r.Pos)
		if size == 0 {
			continue
		}
		posSide := r.PosSide
		if posSide == "net" {
			posSide = "long"
			if size < 0 {
				posSide = "short"
			}
		}
		out = append(out, models.BrokerPosition{
			Symbol:   r.InstID,
			PosSide:  posSide,
			Size:     math.Abs(size),
			AvgPrice: parseFloat(r.AvgPx),
			LastPx:   parseFloat(r.Last),
		})
	}
	return out, nil
}

// Balance — доступный USDT эквити торгового счёта.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	var rows []balanceRow
	if err := c.do(ctx, "balance", http.MethodGet, "/api/v5/account/balance?ccy=USDT", true, nil, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("balance: empty data")
	}
	for _, d := range rows[0].Details {
		if d.Ccy != "USDT" {
			continue
		}
		if v := parseFloat(d.AvailEq); v > 0 {
			return v, nil
		}
		return parseFloat(d.Eq), nil
	}
	return parseFloat(rows[0].TotalEq), nil
}
