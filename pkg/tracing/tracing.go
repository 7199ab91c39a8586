package tracing

import (
	"fmt"
	"io"

	"breakout_bot/pkg/logger"

	"github.com/opentracing/opentracing-go"
	jCfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"
	"go.uber.org/zap"
)

var (
	serviceName = "default"
)

func SetServiceName(newName string) string {
	oldName := serviceName
	serviceName = newName

	return oldName
}

type Config struct {
	Enabled bool
	Host    string
	Port    int
}

// InitTracer ставит глобальный jaeger-трейсер. Выключенный конфиг оставляет
// opentracing.NoopTracer, и спаны в executor ничего не стоят.
func InitTracer(conf Config, log *zap.Logger) (opentracing.Tracer, func(), error) {
	l := logger.OrNop(log)
	if !conf.Enabled {
		return opentracing.NoopTracer{}, func() {}, nil
	}

	cfg := &jCfg.Configuration{
		ServiceName: serviceName,
		Sampler: &jCfg.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &jCfg.ReporterConfig{
			LogSpans:           true,
			LocalAgentHostPort: fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		},
	}

	jMetricsFactory := metrics.NullFactory
	tracer, closer, err := cfg.NewTracer(
		jCfg.Metrics(jMetricsFactory),
	)
	if err != nil {
		return nil, nil, err
	}

	opentracing.SetGlobalTracer(tracer)
	l.Info("[TRACING] jaeger reporter", zap.String("agent", cfg.Reporter.LocalAgentHostPort))
	return tracer, closeFunc(closer, l), nil
}

func closeFunc(c io.Closer, l *zap.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			l.Error("[TRACING] close jaeger tracer", zap.Error(err))
		}
	}
}
