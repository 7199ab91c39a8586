package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"breakout_bot/internal/helper"
	"breakout_bot/internal/models"
)

const historyPageLimit = 100

// HistoryCandles — минутные свечи [from, to) из /market/history-candles.
// OKX отдаёт newest-first страницами по 100, листаем назад через after.
func (c *Client) HistoryCandles(ctx context.Context, instID string, from, to time.Time) ([]models.Candle, error) {
	from, to = helper.MinuteFloor(from), helper.MinuteFloor(to)
	if !to.After(from) {
		return nil, nil
	}

	var (
		out   []models.Candle
		after = to.UnixMilli()
	)
	for {
		path := fmt.Sprintf("/api/v5/market/history-candles?instId=%s&bar=1m&after=%d&limit=%d",
			url.QueryEscape(instID), after, historyPageLimit)

		var rows [][]string
		if err := c.do(ctx, "history_candles", http.MethodGet, path, false, nil, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		oldest := after
		for _, row := range rows {
			// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm]
			if len(row) < 6 {
				continue
			}
			ts, err := strconv.ParseInt(row[0], 10, 64)
			if err != nil {
				continue
			}
			if ts < oldest {
				oldest = ts
			}
			start := time.UnixMilli(ts).UTC()
			if start.Before(from) || !start.Before(to) {
				continue
			}
			closep := parseFloat(row[4])
			if closep <= 0 {
				continue
			}
			out = append(out, models.Candle{
				Symbol: instID,
				Time:   start,
				Open:   parseFloat(row[1]),
				High:   parseFloat(row[2]),
				Low:    parseFloat(row[3]),
				Close:  closep,
				Volume: parseFloat(row[5]),
			})
		}

		if oldest >= after || oldest <= from.UnixMilli() || len(rows) < historyPageLimit {
			break
		}
		after = oldest
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}
