package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"breakout_bot/internal/models"
	"breakout_bot/pkg/logger"
	"breakout_bot/pkg/metrics"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const okxTimeLayout = "2006-01-02T15:04:05.000Z"

type Config struct {
	APIKey     string
	APISecret  string
	Passphrase string
	BaseURL    string
	Simulated  bool
	TdMode     string
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
}

// Client — REST OKX: подпись запросов, общий лимитер, разбор кодов ошибок.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
	now     func() time.Time

	apiKey    string
	apiSecret string
	passph    string

	mu    sync.RWMutex
	metas map[string]models.Instrument
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.okx.com"
	}
	if cfg.TdMode == "" {
		cfg.TdMode = "cross"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(limit, burst),
		log:       logger.OrNop(log),
		now:       time.Now,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		passph:    cfg.Passphrase,
		metas:     make(map[string]models.Instrument),
	}
}

func (c *Client) sign(ts, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(ts + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// envelope — общий ответ OKX: code/msg + data.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// do выполняет запрос. private=true — с подписью. body сериализуется sonic.
// out — куда разобрать поле data.
func (c *Client) do(ctx context.Context, op, method, requestPath string, private bool, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limit: %w", op, err)
	}

	var payload []byte
	if body != nil {
		b, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s marshal: %w", op, err)
		}
		payload = b
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s new request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if private {
		ts := c.now().UTC().Format(okxTimeLayout)
		req.Header.Set("OK-ACCESS-KEY", c.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", c.sign(ts, method, requestPath, string(payload)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.passph)
	}
	if c.cfg.Simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.DefaultMetrics.BrokerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		// сетевые ошибки и таймауты IsTransient распознаёт сам
		return fmt.Errorf("%s do: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s read: %w", op, err)
	}

	if resp.StatusCode/100 != 2 {
		return &models.BrokerError{
			Code:      strconv.Itoa(resp.StatusCode),
			Msg:       fmt.Sprintf("%s http %d: %s", op, resp.StatusCode, truncate(data)),
			Transient: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%s decode: %w; body=%s", op, err, truncate(data))
	}
	if env.Code != "0" {
		return brokerError(env.Code, fmt.Sprintf("%s: %s", op, env.Msg), env.Data)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s decode data: %w", op, err)
	}
	return nil
}

// transientCodes — коды OKX, после которых повтор имеет смысл.
var transientCodes = map[string]bool{
	"50001": true, // service temporarily unavailable
	"50004": true, // endpoint request timeout
	"50011": true, // rate limit reached
	"50013": true, // system busy
	"50026": true, // system error
	"51149": true, // order timed out
}

func brokerError(code, msg string, data []byte) *models.BrokerError {
	// при code=1 реальная причина лежит в data[0].sCode
	var rows []struct {
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if len(data) > 0 && sonic.Unmarshal(data, &rows) == nil && len(rows) > 0 && rows[0].SCode != "" && rows[0].SCode != "0" {
		code = rows[0].SCode
		msg = msg + ": " + rows[0].SMsg
	}
	return &models.BrokerError{Code: code, Msg: msg, Transient: transientCodes[code]}
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// formatStep печатает значение с точностью шага (tickSz/lotSz), без хвоста float64.
func formatStep(v, step float64) string {
	decimals := 0
	if step > 0 && step < 1 {
		decimals = int(math.Ceil(-math.Log10(step) - 1e-9))
	}
	s := strconv.FormatFloat(v, 'f', decimals, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func okxSide(s models.Side) string {
	if s == models.SideSell {
		return "sell"
	}
	return "buy"
}

func fromOKXSide(s string) models.Side {
	switch strings.ToLower(s) {
	case "sell":
		return models.SideSell
	case "buy":
		return models.SideBuy
	}
	return models.SideNone
}
