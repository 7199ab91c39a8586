package service

import (
	"fmt"
	"strconv"
	"time"

	"breakout_bot/internal/models"

	"github.com/bytedance/sonic"
)

const exchangeName = "okx"

// tradesFrame — кадр канала trades:
// {"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},"data":[{"instId","tradeId","px","sz","side","ts"}]}
type tradesFrame struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		InstID  string `json:"instId"`
		TradeID string `json:"tradeId"`
		Px      string `json:"px"`
		Sz      string `json:"sz"`
		Side    string `json:"side"`
		Ts      string `json:"ts"`
	} `json:"data"`
}

// parseFrame разбирает сообщение сокета. Служебные кадры (pong, subscribe) дают пустой результат,
// ошибка — только для кадров, которые не удалось понять.
func parseFrame(msg []byte) ([]models.Tick, error) {
	if string(msg) == "pong" {
		return nil, nil
	}

	var f tradesFrame
	if err := sonic.Unmarshal(msg, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "error" {
		return nil, fmt.Errorf("okx ws error code=%s msg=%s", f.Code, f.Msg)
	}
	if f.Event != "" || f.Arg.Channel != "trades" {
		return nil, nil
	}

	out := make([]models.Tick, 0, len(f.Data))
	for _, d := range f.Data {
		px, err1 := strconv.ParseFloat(d.Px, 64)
		sz, err2 := strconv.ParseFloat(d.Sz, 64)
		ms, err3 := strconv.ParseInt(d.Ts, 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("trade %s: bad number px=%q sz=%q ts=%q", d.TradeID, d.Px, d.Sz, d.Ts)
		}
		sym := d.InstID
		if sym == "" {
			sym = f.Arg.InstID
		}
		out = append(out, models.Tick{
			Symbol:   sym,
			Price:    px,
			Size:     sz,
			Exchange: exchangeName,
			Time:     time.UnixMilli(ms).UTC(),
		})
	}
	return out, nil
}
