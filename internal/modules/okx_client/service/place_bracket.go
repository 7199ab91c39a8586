package service

import (
	"context"
	"fmt"
	"net/http"

	"breakout_bot/internal/helper"
	"breakout_bot/internal/models"

	"go.uber.org/zap"
)

// PlaceBracketOrder — рыночный вход с прикреплёнными SL и TP одним запросом.
// OKX активирует алго-ноги после исполнения входа; у каждой ноги свой clOrdId.
func (c *Client) PlaceBracketOrder(ctx context.Context, req models.OrderRequest) (models.BracketAck, error) {
	meta, err := c.InstrumentMeta(ctx, req.Symbol)
	if err != nil {
		return models.BracketAck{}, fmt.Errorf("PlaceBracketOrder meta: %w", err)
	}
	sz, err := contracts(meta, req.Size)
	if err != nil {
		return models.BracketAck{}, err
	}

	// стоп округляем от входа, тейк к входу
	round := helper.RoundDownToTick
	if req.Side == models.SideSell {
		round = helper.RoundUpToTick
	}
	stop := round(req.StopLoss, meta.TickSz)
	target := round(req.TakeProfit, meta.TickSz)

	body := map[string]any{
		"instId":  req.Symbol,
		"tdMode":  c.cfg.TdMode,
		"side":    okxSide(req.Side),
		"posSide": req.Side.PosSide(),
		"ordType": "market",
		"sz":      formatStep(sz, meta.LotSz),
		"clOrdId": req.EntryRef,
		"attachAlgoOrds": []map[string]string{
			{
				"attachAlgoClOrdId": req.StopRef,
				"slTriggerPx":       formatStep(stop, meta.TickSz),
				"slOrdPx":           "-1",
				"slTriggerPxType":   "last",
			},
			{
				"attachAlgoClOrdId": req.TargetRef,
				"tpTriggerPx":       formatStep(target, meta.TickSz),
				"tpOrdPx":           "-1",
				"tpTriggerPxType":   "last",
			},
		},
	}

	var rows []orderAckRow
	if err := c.do(ctx, "place_bracket", http.MethodPost, "/api/v5/trade/order", true, body, &rows); err != nil {
		return models.BracketAck{}, err
	}
	if len(rows) == 0 {
		return models.BracketAck{}, fmt.Errorf("PlaceBracketOrder: empty data")
	}
	if rows[0].SCode != "" && rows[0].SCode != "0" {
		return models.BracketAck{}, brokerError(rows[0].SCode, "place_bracket: "+rows[0].SMsg, nil)
	}

	ack := models.BracketAck{EntryOrderID: rows[0].OrdID}

	// id алго-ног OKX отдаёт только списком отложенных алго
	algos, err := c.pendingAlgos(ctx)
	if err != nil {
		c.log.Warn("[OKX] bracket placed, algo ids unknown",
			zap.String("ref", req.Reference), zap.Error(err))
		return ack, nil
	}
	for _, a := range algos {
		switch a.AlgoClOrdID {
		case req.StopRef:
			ack.StopOrderID = a.AlgoID
		case req.TargetRef:
			ack.TargetOrderID = a.AlgoID
		}
	}
	return ack, nil
}
