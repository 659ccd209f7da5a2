// Package honeycomb implements o11y tracing on top of the honeycomb beeline.
//
// Spans are always written to a local writer (stderr by default) and are
// optionally also sent to the honeycomb API.
package honeycomb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/honeycombio/beeline-go"
	"github.com/honeycombio/beeline-go/client"
	"github.com/honeycombio/beeline-go/propagation"
	"github.com/honeycombio/beeline-go/trace"
	"github.com/honeycombio/dynsampler-go"
	"github.com/honeycombio/libhoney-go"
	"github.com/honeycombio/libhoney-go/transmission"

	"github.com/circleci/typeset/o11y"
)

type Config struct {
	Host       string
	Dataset    string
	Key        string
	Format     string
	SendTraces bool // Should we actually send the traces to the honeycomb server?
	Sender     transmission.Sender

	SampleTraces  bool
	SampleKeyFunc func(map[string]interface{}) string
	SampleRates   map[string]int

	Writer      io.Writer
	Metrics     o11y.ClosableMetricsProvider
	ServiceName string

	Debug bool
}

func (c *Config) Validate() error {
	// The key is only needed when sending traces is on and when using the default Sender
	if c.SendTraces && c.Key == "" && c.Sender == nil {
		return errors.New("honeycomb_key key required for honeycomb")
	}
	return nil
}

// sender returns the transmission.Sender to handle events based on Format and SendTraces.
func (c *Config) sender() transmission.Sender {
	writer := c.Writer
	if writer == nil {
		writer = os.Stderr
	}

	s := &multiSender{}

	if c.SendTraces {
		if c.Sender == nil {
			s.senders = append(s.senders, &transmission.Honeycomb{
				MaxBatchSize:         libhoney.DefaultMaxBatchSize,
				BatchTimeout:         libhoney.DefaultBatchTimeout,
				MaxConcurrentBatches: libhoney.DefaultMaxConcurrentBatches,
				PendingWorkCapacity:  libhoney.DefaultPendingWorkCapacity,
				UserAgentAddition:    c.ServiceName,
			})
		} else {
			s.senders = append(s.senders, c.Sender)
		}
	}

	switch c.Format {
	case "text":
		s.senders = append(s.senders, &TextSender{w: writer})
	case "colour", "color":
		s.senders = append(s.senders, &TextSender{w: writer, colour: true})
	case "none":
		if len(s.senders) == 0 {
			s.senders = append(s.senders, &transmission.WriterSender{W: io.Discard})
		}
	default:
		s.senders = append(s.senders, &transmission.WriterSender{W: writer})
	}

	return s
}

type honeycomb struct {
	metricsProvider o11y.ClosableMetricsProvider
}

// New creates a new honeycomb o11y provider, which emits traces to the configured
// writer and optionally also sends them to a honeycomb server.
func New(conf Config) o11y.Provider {
	key := conf.Key
	if key == "" {
		// libhoney refuses to send keyless events, even to local senders
		key = "local"
	}
	// error is ignored in default constructor in beeline, so we do the same here.
	hc, _ := libhoney.NewClient(libhoney.ClientConfig{
		APIKey:       key,
		Dataset:      conf.Dataset,
		APIHost:      conf.Host,
		Transmission: conf.sender(),
	})

	bc := beeline.Config{
		Client:      hc,
		Debug:       conf.Debug,
		WriteKey:    key,
		ServiceName: conf.ServiceName,
	}

	if conf.SampleTraces {
		if conf.SampleRates == nil {
			conf.SampleRates = map[string]int{}
		}
		sampler := &TraceSampler{
			KeyFunc: conf.SampleKeyFunc,
			Sampler: &dynsampler.Static{
				Default: 1,
				Rates:   conf.SampleRates,
			},
		}

		bc.SamplerHook = func(fields map[string]interface{}) (bool, int) {
			// Metrics are sent here since a sampled out span never reaches the PresendHook.
			extractAndSendMetrics(conf.Metrics)(fields)
			return sampler.Hook(fields)
		}
	} else {
		bc.PresendHook = extractAndSendMetrics(conf.Metrics)
	}

	beeline.Init(bc)

	return &honeycomb{
		metricsProvider: conf.Metrics,
	}
}

func (h *honeycomb) AddGlobalField(key string, val interface{}) {
	mustValidateKey(key)
	client.AddField(key, val)
}

func (h *honeycomb) StartSpan(ctx context.Context, name string) (context.Context, o11y.Span) {
	parent := trace.GetSpanFromContext(ctx)
	var newSpan *trace.Span
	if parent != nil {
		ctx, newSpan = parent.CreateAsyncChild(ctx)
	} else {
		// no active trace, so the root span of a new one becomes this span
		ctx, _ = trace.NewTrace(ctx, nil)
		newSpan = trace.GetSpanFromContext(ctx)
	}
	newSpan.AddField("name", name)

	return ctx, wrapSpan(newSpan)
}

func (h *honeycomb) GetSpan(ctx context.Context) o11y.Span {
	s := trace.GetSpanFromContext(ctx)
	if s == nil {
		return nil
	}
	return wrapSpan(s)
}

func (h *honeycomb) AddField(ctx context.Context, key string, val interface{}) {
	mustValidateKey(key)
	beeline.AddField(ctx, key, val)
}

func (h *honeycomb) AddFieldToTrace(ctx context.Context, key string, val interface{}) {
	mustValidateKey(key)
	beeline.AddFieldToTrace(ctx, key, val)
}

func (h *honeycomb) Log(ctx context.Context, name string, fields ...o11y.Pair) {
	_, s := beeline.StartSpan(ctx, name)
	hcSpan := wrapSpan(s)
	for _, field := range fields {
		hcSpan.AddField(field.Key, field.Value)
	}
	hcSpan.End()
}

func (h *honeycomb) Close(_ context.Context) {
	beeline.Close()
	if h.metricsProvider != nil {
		_ = h.metricsProvider.Close()
	}
}

func (h *honeycomb) MetricsProvider() o11y.MetricsProvider {
	if h.metricsProvider == nil {
		return &statsd.NoOpClient{}
	}
	return h.metricsProvider
}

func (h *honeycomb) Helpers() o11y.Helpers {
	return helpers{}
}

type helpers struct{}

func (helpers) ExtractPropagation(ctx context.Context) o11y.PropagationContext {
	s := trace.GetSpanFromContext(ctx)
	if s == nil {
		return o11y.PropagationContext{}
	}
	parent := s.SerializeHeaders()
	return o11y.PropagationContext{
		Parent: parent,
		Headers: http.Header{
			propagation.TracePropagationHTTPHeader: []string{parent},
		},
	}
}

func (helpers) InjectPropagation(ctx context.Context, p o11y.PropagationContext) (context.Context, o11y.Span) {
	var prop *propagation.PropagationContext

	field := p.Parent
	if field == "" {
		field = p.Headers.Get(propagation.TracePropagationHTTPHeader)
	}
	// Use the honeycomb propagation if present, otherwise grab the w3c headers
	if field != "" {
		prop, _ = propagation.UnmarshalHoneycombTraceContext(field)
	} else {
		_, prop, _ = propagation.UnmarshalW3CTraceContext(ctx, map[string]string{
			propagation.TraceparentHeader: p.Headers.Get(propagation.TraceparentHeader),
		})
	}

	ctx, tr := trace.NewTrace(ctx, prop)
	return ctx, wrapSpan(tr.GetRootSpan())
}

func (helpers) TraceIDs(ctx context.Context) (traceID, parentID string) {
	t := trace.GetTraceFromContext(ctx)
	if t == nil {
		return "", ""
	}
	return t.GetTraceID(), t.GetParentID()
}

const metricKey = "__MAGIC_METRIC_KEY__"

func wrapSpan(s *trace.Span) *span {
	return &span{span: s}
}

type span struct {
	span    *trace.Span
	metrics []o11y.Metric
}

func (s *span) AddField(key string, val interface{}) {
	s.AddRawField("app."+key, val)
}

func (s *span) AddRawField(key string, val interface{}) {
	mustValidateKey(key)
	if err, ok := val.(error); ok {
		val = err.Error()
	}
	s.span.AddField(key, val)
}

func (s *span) RecordMetric(metric o11y.Metric) {
	s.metrics = append(s.metrics, metric)
	// Stash the metrics list as a span field, the pre-send hook will fish it out
	s.span.AddField(metricKey, s.metrics)
}

func (s *span) End() {
	s.span.Send()
}

func mustValidateKey(key string) {
	if strings.Contains(key, "-") {
		panic(fmt.Errorf("key %q cannot contain '-'", key))
	}
}

// multiSender fans events out to every configured sender.
type multiSender struct {
	senders []transmission.Sender
}

func (s *multiSender) Add(ev *transmission.Event) {
	for _, sender := range s.senders {
		sender.Add(ev)
	}
}

func (s *multiSender) Start() error {
	for _, sender := range s.senders {
		if err := sender.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (s *multiSender) Stop() error {
	var errs []error
	for _, sender := range s.senders {
		if err := sender.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *multiSender) Flush() error {
	var errs []error
	for _, sender := range s.senders {
		if err := sender.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TxResponses returns the responses of the first sender, since beeline only reads one channel.
func (s *multiSender) TxResponses() chan transmission.Response {
	if len(s.senders) == 0 {
		return nil
	}
	return s.senders[0].TxResponses()
}

func (s *multiSender) SendResponse(r transmission.Response) bool {
	if len(s.senders) == 0 {
		return false
	}
	return s.senders[0].SendResponse(r)
}
