package main

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rollnorm/monitor"
	"rollnorm/store"
	"rollnorm/sys/cpu"
)

const (
	defaultKey = "stdin"
	cpuKey     = "cpu"

	storeTimeout = 2 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errBadLine = errors.New("malformed input line")

type app struct {
	detector *monitor.Detector
	store    store.Store // nil when checkpoints are disabled
	logger   *zap.Logger

	mu       sync.Mutex
	enc      *jsoniter.Encoder
	restored map[string]bool
}

func newApp(d *monitor.Detector, st store.Store, logger *zap.Logger, out io.Writer) *app {
	return &app{
		detector: d,
		store:    st,
		logger:   logger,
		enc:      json.NewEncoder(out),
		restored: make(map[string]bool),
	}
}

// parseLine accepts "value" or "key value".
func parseLine(line string) (key string, v float64, err error) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 1:
		key = defaultKey
	case 2:
		key = fields[0]
	default:
		return "", 0, errors.Wrapf(errBadLine, "%q", line)
	}
	v, err = strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return "", 0, errors.Wrapf(errBadLine, "%q", line)
	}
	return key, v, nil
}

// restore loads the key's last checkpoint the first time the key is seen.
func (a *app) restore(ctx context.Context, key string) {
	if a.store == nil || a.restored[key] {
		return
	}
	a.restored[key] = true

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	c, err := a.store.Load(ctx, key)
	if err != nil {
		a.logger.Warn("load checkpoint", zap.String("key", key), zap.Error(err))
		return
	}
	if c == nil {
		return
	}
	if err := a.detector.Restore(key, c.Values); err != nil {
		a.logger.Warn("restore checkpoint", zap.String("key", key), zap.String("id", c.ID), zap.Error(err))
	}
}

func (a *app) process(ctx context.Context, key string, v float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.restore(ctx, key)
	res, err := a.detector.Observe(key, v)
	if err != nil {
		return err
	}
	return errors.Wrap(a.enc.Encode(res), "write result")
}

func (a *app) consume(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return errors.Wrap(err, "read input")
				default:
					return nil
				}
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			key, v, err := parseLine(line)
			if err == nil {
				err = a.process(ctx, key, v)
			}
			if err != nil {
				a.logger.Warn("skip value", zap.Error(err))
			}
		}
	}
}

func (a *app) sampleCPU(ctx context.Context, every time.Duration) error {
	cpu.Init()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var st cpu.State
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cpu.ReadState(&st)
			if err := a.process(ctx, cpuKey, float64(st.Usage)); err != nil {
				a.logger.Warn("skip cpu sample", zap.Error(err))
			}
		}
	}
}

// checkpoint saves every window; ctx should outlive the input context.
func (a *app) checkpoint(ctx context.Context) {
	if a.store == nil {
		return
	}
	for _, key := range a.detector.Keys() {
		c := store.NewCheckpoint(key, a.detector.Window(key))
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := a.store.Save(sctx, c)
		cancel()
		if err != nil {
			a.logger.Error("save checkpoint", zap.String("key", key), zap.Error(err))
			continue
		}
		a.logger.Info("checkpoint saved", zap.String("key", key), zap.String("id", c.ID))
	}
}
