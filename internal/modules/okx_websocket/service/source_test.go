package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"breakout_bot/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type subscribeMsg struct {
	Op   string              `json:"op"`
	Args []map[string]string `json:"args"`
}

func tradeFrame(n int32) []byte {
	ts := time.Date(2024, 3, 1, 14, 0, int(n), 0, time.UTC).UnixMilli()
	return []byte(fmt.Sprintf(
		`{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},"data":[{"instId":"BTC-USDT-SWAP","tradeId":"%d","px":"%d","sz":"0.5","side":"buy","ts":"%d"}]}`,
		n, 15300+n, ts))
}

// fakeExchange — сервер: на каждое соединение читает подписку и шлёт одну сделку.
// handle решает судьбу n-го соединения: "keep", "drop" или "refuse".
func fakeExchange(t *testing.T, handle func(n int32) string) (string, <-chan []string) {
	t.Helper()
	var (
		upgrader websocket.Upgrader
		conns    atomic.Int32
		subs     = make(chan []string, 16)
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		mode := handle(n)
		if mode == "refuse" {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		var sub subscribeMsg
		if err := c.ReadJSON(&sub); err != nil {
			return
		}
		syms := make([]string, 0, len(sub.Args))
		for _, a := range sub.Args {
			syms = append(syms, a["instId"])
		}
		subs <- syms

		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribe","arg":{"channel":"trades","instId":"BTC-USDT-SWAP"}}`))
		_ = c.WriteMessage(websocket.TextMessage, tradeFrame(n))
		if mode == "drop" {
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), subs
}

func waitState(t *testing.T, s *Source, want models.ConnState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.States():
			if ev.To == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s not reached, current %s", want, s.State())
		}
	}
}

func nextTick(t *testing.T, s *Source) models.Tick {
	t.Helper()
	select {
	case tk := <-s.Ticks():
		return tk
	case <-time.After(5 * time.Second):
		t.Fatal("no tick received")
	}
	return models.Tick{}
}

func TestSourceResubscribesAfterReconnect(t *testing.T) {
	url, subs := fakeExchange(t, func(n int32) string {
		if n == 1 {
			return "drop"
		}
		return "keep"
	})

	s := NewSource(Config{URL: url, ReconnectBase: time.Millisecond, MaxReconnectAttempts: 5}, nil)
	ctx := context.Background()
	require.NoError(t, s.Subscribe(ctx, []string{"BTC-USDT-SWAP", "BTC-USDT-SWAP"}))
	require.NoError(t, s.Connect(ctx))

	waitState(t, s, models.ConnConnected)
	first := nextTick(t, s)
	assert.Equal(t, "BTC-USDT-SWAP", first.Symbol)
	assert.Equal(t, 15301.0, first.Price)
	assert.Equal(t, "okx", first.Exchange)

	waitState(t, s, models.ConnReconnecting)
	waitState(t, s, models.ConnConnected)
	second := nextTick(t, s)
	assert.Equal(t, 15302.0, second.Price)
	assert.True(t, second.Time.After(first.Time))

	assert.Equal(t, []string{"BTC-USDT-SWAP"}, <-subs)
	assert.Equal(t, []string{"BTC-USDT-SWAP"}, <-subs)

	require.NoError(t, s.Disconnect())
	assert.Equal(t, models.ConnDisconnected, s.State())
	_, open := <-s.Ticks()
	assert.False(t, open)
}

func TestSourceCircuitBreaksAfterMaxAttempts(t *testing.T) {
	url, _ := fakeExchange(t, func(n int32) string {
		if n == 1 {
			return "drop"
		}
		return "refuse"
	})

	s := NewSource(Config{URL: url, ReconnectBase: time.Millisecond, MaxReconnectAttempts: 3}, nil)
	ctx := context.Background()
	require.NoError(t, s.Subscribe(ctx, []string{"BTC-USDT-SWAP"}))
	require.NoError(t, s.Connect(ctx))

	waitState(t, s, models.ConnReconnecting)
	waitState(t, s, models.ConnCircuitBroken)
	assert.Equal(t, models.ConnCircuitBroken, s.State())

	require.NoError(t, s.Disconnect())
}

func TestSourceConnectFails(t *testing.T) {
	url, _ := fakeExchange(t, func(int32) string { return "refuse" })
	s := NewSource(Config{URL: url}, nil)
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.ConnDisconnected, s.State())
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		want    int
		wantErr bool
	}{
		{name: "pong", msg: "pong"},
		{name: "subscribe ack", msg: `{"event":"subscribe","arg":{"channel":"trades","instId":"BTC-USDT-SWAP"}}`},
		{name: "error event", msg: `{"event":"error","code":"60012","msg":"Invalid request"}`, wantErr: true},
		{name: "garbage", msg: `{not json`, wantErr: true},
		{name: "bad price", msg: `{"arg":{"channel":"trades"},"data":[{"instId":"X","px":"abc","sz":"1","ts":"1"}]}`, wantErr: true},
		{name: "two trades", msg: `{"arg":{"channel":"trades","instId":"ETH-USDT-SWAP"},"data":[{"px":"3000.5","sz":"1","ts":"1709301600000"},{"instId":"ETH-USDT-SWAP","px":"3001","sz":"2","ts":"1709301600100"}]}`, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ticks, err := parseFrame([]byte(tt.msg))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, ticks, tt.want)
			for _, tk := range ticks {
				assert.Equal(t, "ETH-USDT-SWAP", tk.Symbol)
				assert.True(t, tk.Valid())
			}
		})
	}
}
