package monitor

import (
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"rollnorm/rolling"
)

var (
	ErrInvalidValue     = errors.New("monitor: value is NaN or infinite")
	ErrInvalidThreshold = errors.New("monitor: threshold must be positive")
	ErrSizeMismatch     = errors.New("monitor: restored window has the wrong size")
)

type Result struct {
	Key     string  `json:"key"`
	Value   float64 `json:"value"`
	Mean    float64 `json:"mean"`
	Stdev   float64 `json:"stdev"`
	Norm    float64 `json:"norm"`
	Anomaly bool    `json:"anomaly"`
	Ready   bool    `json:"ready"` // the window holds only observed values
	Samples uint64  `json:"samples"`
}

type Option func(d *Detector)

func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		d.logger = l
	}
}

// WithRegisterer registers the detector's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Detector) {
		d.reg = reg
	}
}

// WithResyncEvery is passed through to every series the detector creates.
func WithResyncEvery(k uint64) Option {
	return func(d *Detector) {
		d.resyncEvery = k
	}
}

type entry struct {
	series *rolling.Series[float64]
	latest Result
	// observed counts values seen before a restore as well
	observed uint64
}

// Detector scores values per key against that key's rolling window. It owns
// the synchronization for all of its series.
type Detector struct {
	mu          sync.Mutex
	size        int
	threshold   float64
	resyncEvery uint64
	entries     map[string]*entry

	logger  *zap.Logger
	reg     prometheus.Registerer
	metrics *metrics
}

func NewDetector(size int, threshold float64, opts ...Option) (*Detector, error) {
	if size <= 0 {
		return nil, errors.Wrapf(rolling.ErrInvalidSize, "size %d", size)
	}
	if !(threshold > 0) {
		return nil, errors.Wrapf(ErrInvalidThreshold, "threshold %v", threshold)
	}
	d := &Detector{
		size:      size,
		threshold: threshold,
		entries:   make(map[string]*entry),
		logger:    zap.NewNop(),
		metrics:   newMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.reg != nil {
		if err := d.metrics.register(d.reg); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	return d, nil
}

func (d *Detector) seriesOpts() []rolling.Option {
	if d.resyncEvery == 0 {
		return nil
	}
	return []rolling.Option{rolling.WithResyncEvery(d.resyncEvery)}
}

func (d *Detector) Observe(key string, v float64) (Result, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Result{}, errors.Wrapf(ErrInvalidValue, "key %q", key)
	}

	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok {
		e = &entry{series: rolling.MustNew[float64](d.size, d.seriesOpts()...)}
		d.entries[key] = e
		d.logger.Debug("new series", zap.String("key", key), zap.Int("size", d.size))
	}
	e.series.Insert(v)
	e.observed++

	s := e.series
	res := Result{
		Key:     key,
		Value:   s.Curr(),
		Mean:    s.Mean(),
		Stdev:   s.Stdev(),
		Norm:    s.Norm(),
		Ready:   e.observed >= uint64(d.size),
		Samples: e.observed,
	}
	res.Anomaly = res.Ready && math.Abs(res.Norm) >= d.threshold
	e.latest = res
	d.mu.Unlock()

	d.metrics.observe(res)
	if res.Anomaly {
		d.logger.Info("anomaly",
			zap.String("key", key),
			zap.Float64("value", res.Value),
			zap.Float64("mean", res.Mean),
			zap.Float64("norm", res.Norm))
	}
	return res, nil
}

func (d *Detector) Latest(key string) (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok {
		return Result{}, false
	}
	return e.latest, true
}

func (d *Detector) Keys() []string {
	d.mu.Lock()
	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	d.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Window returns the key's values ordered oldest to newest, or nil for an
// unknown key.
func (d *Detector) Window(key string) []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok {
		return nil
	}
	return e.series.Values()
}

// Restore replaces the key's window with values, oldest first. The restored
// window counts as fully observed. Gauges are published but no observation
// is counted.
func (d *Detector) Restore(key string, values []float64) error {
	if len(values) != d.size {
		return errors.Wrapf(ErrSizeMismatch, "key %q: got %d, want %d", key, len(values), d.size)
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrInvalidValue, "key %q", key)
		}
	}
	s, err := rolling.From(values, d.seriesOpts()...)
	if err != nil {
		return errors.Wrapf(err, "key %q", key)
	}

	latest := Result{
		Key:     key,
		Value:   s.Curr(),
		Mean:    s.Mean(),
		Stdev:   s.Stdev(),
		Norm:    s.Norm(),
		Ready:   true,
		Samples: uint64(d.size),
	}

	d.mu.Lock()
	d.entries[key] = &entry{
		series:   s,
		observed: uint64(d.size),
		latest:   latest,
	}
	d.mu.Unlock()
	d.metrics.publish(latest)

	d.logger.Info("series restored", zap.String("key", key), zap.Int("size", d.size))
	return nil
}

func (d *Detector) SetThreshold(threshold float64) error {
	if !(threshold > 0) {
		return errors.Wrapf(ErrInvalidThreshold, "threshold %v", threshold)
	}
	d.mu.Lock()
	d.threshold = threshold
	d.mu.Unlock()
	return nil
}

func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

func (d *Detector) Size() int {
	return d.size
}
