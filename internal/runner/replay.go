package runner

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"breakout_bot/internal/models"
	aggregator "breakout_bot/internal/modules/aggregator/service"
	"breakout_bot/internal/modules/config"
	eventbus "breakout_bot/internal/modules/eventbus/service"
	exec "breakout_bot/internal/modules/executor/service"
	risk "breakout_bot/internal/modules/risk/service"
	state "breakout_bot/internal/modules/state/service"
	tickbuffer "breakout_bot/internal/modules/tickbuffer/service"
	tracker "breakout_bot/internal/modules/tracker/service"
	"breakout_bot/pkg/logger"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Fixture — записанный торговый день для прогона без биржи.
type Fixture struct {
	Symbols     []string
	Levels      StaticLevels
	Ticks       []models.Tick
	RangePolicy config.RangePolicyConfig
	Tracker     config.TrackerConfig
	Risk        risk.Config
	Balance     float64
}

// ключи в viper регистронезависимы, поэтому символы лежат списком, а не картой
type fixtureFile struct {
	Balance     float64 `mapstructure:"balance"`
	RangePolicy struct {
		Kind       string  `mapstructure:"kind"`
		MinPct     float64 `mapstructure:"min_pct"`
		MaxPct     float64 `mapstructure:"max_pct"`
		ATRPeriod  int     `mapstructure:"atr_period"`
		MinATRMult float64 `mapstructure:"min_atr_mult"`
		MaxATRMult float64 `mapstructure:"max_atr_mult"`
	} `mapstructure:"range_policy"`
	Risk struct {
		RiskPct        float64 `mapstructure:"risk_pct"`
		MaxPositionPct float64 `mapstructure:"max_position_pct"`
	} `mapstructure:"risk"`
	Levels []struct {
		Symbol string  `mapstructure:"symbol"`
		High   float64 `mapstructure:"high"`
		Low    float64 `mapstructure:"low"`
		Start  string  `mapstructure:"start"`
		End    string  `mapstructure:"end"`
	} `mapstructure:"levels"`
	Ticks []struct {
		Symbol string  `mapstructure:"symbol"`
		Price  float64 `mapstructure:"price"`
		Size   float64 `mapstructure:"size"`
		Time   string  `mapstructure:"time"`
	} `mapstructure:"ticks"`
}

// LoadFixture читает yaml/json фикстуру. Переменные окружения REPLAY_* перекрывают скаляры.
func LoadFixture(path string) (Fixture, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("replay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("balance", 10000)
	v.SetDefault("risk.risk_pct", 1)
	v.SetDefault("risk.max_position_pct", 300)

	if err := v.ReadInConfig(); err != nil {
		return Fixture{}, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var raw fixtureFile
	if err := v.Unmarshal(&raw); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture %s: %w", path, err)
	}

	fx := Fixture{
		Levels:  make(StaticLevels, len(raw.Levels)),
		Tracker: config.DefaultTracker(),
		Balance: raw.Balance,
		Risk: risk.Config{
			RiskPct:        raw.Risk.RiskPct,
			MaxPositionPct: raw.Risk.MaxPositionPct,
		},
		RangePolicy: config.RangePolicyConfig{
			Kind:       raw.RangePolicy.Kind,
			MinPct:     raw.RangePolicy.MinPct,
			MaxPct:     raw.RangePolicy.MaxPct,
			ATRPeriod:  raw.RangePolicy.ATRPeriod,
			MinATRMult: raw.RangePolicy.MinATRMult,
			MaxATRMult: raw.RangePolicy.MaxATRMult,
		},
	}
	for i, l := range raw.Levels {
		start, err := time.Parse(time.RFC3339, l.Start)
		if err != nil {
			return Fixture{}, fmt.Errorf("levels[%d].start: %w", i, err)
		}
		end, err := time.Parse(time.RFC3339, l.End)
		if err != nil {
			return Fixture{}, fmt.Errorf("levels[%d].end: %w", i, err)
		}
		fx.Symbols = append(fx.Symbols, l.Symbol)
		fx.Levels[l.Symbol] = models.SessionLevels{High: l.High, Low: l.Low, Start: start.UTC(), End: end.UTC()}
	}
	for i, t := range raw.Ticks {
		ts, err := time.Parse(time.RFC3339Nano, t.Time)
		if err != nil {
			return Fixture{}, fmt.Errorf("ticks[%d].time: %w", i, err)
		}
		fx.Ticks = append(fx.Ticks, models.Tick{
			Symbol: t.Symbol, Price: t.Price, Size: t.Size, Exchange: "replay", Time: ts.UTC(),
		})
	}
	if len(fx.Symbols) == 0 {
		return Fixture{}, fmt.Errorf("fixture %s: no levels", path)
	}
	return fx, nil
}

// Report — что произошло за прогон.
type Report struct {
	Transitions []models.Transition
	Decisions   []models.OrderResult
}

// Replay прогоняет фикстуру через весь пайплайн с бумажным брокером.
func Replay(ctx context.Context, fx Fixture, log *zap.Logger) (Report, error) {
	l := logger.OrNop(log)
	policy, err := fx.RangePolicy.Policy()
	if err != nil {
		return Report{}, err
	}

	bus := eventbus.NewBus(eventbus.Config{MailboxSize: 1024}, l.Named("bus"))
	store := state.NewMemoryStore()
	manager := state.NewManager(store, state.Config{MaxAttempts: 1}, l.Named("state"))
	mctx, stopManager := context.WithCancel(context.Background())
	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		manager.Run(mctx)
	}()

	broker := exec.NewPaperBroker(fx.Balance)
	breaker := exec.NewBreaker(3, bus, l.Named("breaker"))
	executor := exec.NewExecutor(exec.Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
		CallTimeout: time.Second,
		ClaimTTL:    time.Hour,
	}, broker, risk.NewFixedFractional(fx.Risk), manager, exec.NewMemoryLedger(), breaker, bus, l.Named("executor"))
	Subscribe(bus, executor, breaker)

	var (
		mu  sync.Mutex
		rep Report
	)
	bus.Subscribe(models.EventOrderDecision, "replay", func(_ context.Context, ev models.Event) error {
		if r, ok := ev.Payload.(models.OrderResult); ok {
			mu.Lock()
			rep.Decisions = append(rep.Decisions, r)
			mu.Unlock()
		}
		return nil
	})

	p := New(Config{DequeueTimeout: 10 * time.Millisecond}, Deps{
		Source:     NewReplaySource(fx.Ticks),
		Buffer:     tickbuffer.NewBuffer(tickbuffer.Config{Capacity: len(fx.Ticks) + 1}, l.Named("buffer")),
		Aggregator: aggregator.NewAggregator(aggregator.Config{MaxGapFill: 2}, l.Named("aggregator")),
		Bus:        bus,
		Tracker:    tracker.NewTracker(fx.Tracker, policy, l.Named("tracker")),
		State:      manager,
		Symbols:    StaticSymbols(fx.Symbols),
		Levels:     fx.Levels,
	}, l.Named("runner"))

	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := p.Stop(sctx)
		if cerr := bus.Close(sctx); err == nil {
			err = cerr
		}
		stopManager()
		<-managerDone
		return err
	}

	if err := p.Start(ctx); err != nil {
		_ = shutdown()
		return Report{}, err
	}
	select {
	case <-p.Done():
	case <-ctx.Done():
	}
	if err := shutdown(); err != nil {
		return Report{}, err
	}

	rep.Transitions = store.Transitions()
	return rep, ctx.Err()
}

// WriteLog печатает переходы по времени свечи, затем решения по ордерам.
func (r Report) WriteLog(w io.Writer) error {
	trs := append([]models.Transition(nil), r.Transitions...)
	sort.SliceStable(trs, func(i, j int) bool { return trs[i].At.Before(trs[j].At) })

	for _, tr := range trs {
		from := string(tr.From)
		if from == "" {
			from = "-"
		}
		line := fmt.Sprintf("%s %s %-4s %s %s -> %s",
			tr.At.UTC().Format("2006-01-02T15:04Z"), tr.Symbol, tr.Side, shortID(tr.CandidateID), from, tr.To)
		if tr.Reason != models.ReasonNone {
			line += " (" + string(tr.Reason) + ")"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	for _, d := range r.Decisions {
		line := fmt.Sprintf("ORDER %s %s %s", d.Symbol, d.Reference, d.Decision)
		if d.Reason != models.DecisionReasonNone {
			line += " (" + string(d.Reason) + ")"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
