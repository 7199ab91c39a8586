package service

import (
	"context"
	"net/http"
	"sort"
	"strings"
)

// TopVolatile — n USDT-perp инструментов с наибольшим диапазоном за 24ч к цене.
// Используется, когда список символов в конфиге пуст.
func (c *Client) TopVolatile(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	var tickers []tickerRow
	if err := c.do(ctx, "tickers", http.MethodGet, "/api/v5/market/tickers?instType=SWAP", false, nil, &tickers); err != nil {
		return nil, err
	}

	type rec struct {
		sym   string
		score float64
	}
	arr := make([]rec, 0, len(tickers))
	for _, t := range tickers {
		if !strings.HasSuffix(t.InstID, "-USDT-SWAP") {
			continue
		}
		last, high, low := parseFloat(t.Last), parseFloat(t.High24h), parseFloat(t.Low24h)
		if last <= 0 || high <= low {
			continue
		}
		arr = append(arr, rec{sym: t.InstID, score: (high - low) / last})
	}

	sort.Slice(arr, func(i, j int) bool {
		if arr[i].score == arr[j].score {
			return arr[i].sym < arr[j].sym
		}
		return arr[i].score > arr[j].score
	})
	if n > len(arr) {
		n = len(arr)
	}
	res := make([]string, 0, n)
	for i := 0; i < n; i++ {
		res = append(res, arr[i].sym)
	}
	return res, nil
}
