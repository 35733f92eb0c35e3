package p2c

import (
	"math"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/balancer/base"
	"google.golang.org/grpc/resolver"

	"rollnorm/rolling"
)

const (
	Name     = "p2c"
	CPUUsage = "cpu_usage"

	// calls remembered per sub connection
	window = 64
	// a sub connection whose latest latency is this many standard deviations
	// above its own mean loses the first choice
	outlierNorm = 3.0
)

var (
	penalty  = uint64(1000 * time.Millisecond * 250)
	forceGap = int64(time.Second * 3)
)

func init() {
	balancer.Register(newBuilder())
}

func newBuilder() balancer.Builder {
	return base.NewBalancerBuilder(Name, &p2cPickerBuilder{}, base.Config{HealthCheck: true})
}

type subConn struct {
	conn balancer.SubConn
	addr resolver.Address

	mu      sync.Mutex
	latency *rolling.Series[float64] // milliseconds
	outcome *rolling.Series[float64] // 1 success, 0 failure

	inflight int64
	serCpu   uint64 // permille reported by the server
	pick     int64  // last time this conn was picked
	reqs     int64
}

func newSubConn(conn balancer.SubConn, addr resolver.Address) *subConn {
	ok := make([]float64, window)
	for i := range ok {
		ok[i] = 1
	}
	return &subConn{
		conn:     conn,
		addr:     addr,
		latency:  rolling.MustNew[float64](window),
		outcome:  rolling.MustFrom(ok),
		inflight: 1,
		serCpu:   500,
	}
}

// valid reports whether the conn is healthy enough to be preferred.
func (s *subConn) valid() bool {
	return s.health() > 500 && atomic.LoadUint64(&s.serCpu) < 900 && !s.outlier()
}

// health is the success ratio over the window in permille.
func (s *subConn) health() uint64 {
	s.mu.Lock()
	mean := s.outcome.Mean()
	s.mu.Unlock()
	return uint64(math.Round(mean * 1000))
}

// outlier is only judged once the latency window holds real samples.
func (s *subConn) outlier() bool {
	s.mu.Lock()
	warm := s.latency.Inserted() >= uint64(s.latency.Len())
	norm := s.latency.Norm()
	s.mu.Unlock()
	return warm && norm > outlierNorm
}

// load grows with server cpu, sqrt of mean latency and inflight requests.
func (s *subConn) load() uint64 {
	s.mu.Lock()
	mean := s.latency.Mean()
	s.mu.Unlock()

	lag := uint64(math.Sqrt(mean) + 1)
	load := lag * atomic.LoadUint64(&s.serCpu) * uint64(atomic.LoadInt64(&s.inflight))
	if load == 0 {
		load = penalty
	}
	return load
}

func (s *subConn) observe(lag time.Duration, err error) {
	success := 1.0
	if err != nil {
		success = 0
	}
	s.mu.Lock()
	s.latency.Insert(float64(lag) / float64(time.Millisecond))
	s.outcome.Insert(success)
	s.mu.Unlock()
}

type p2cPicker struct {
	subConns []*subConn
	lk       sync.Mutex
	r        *rand.Rand
	logTs    int64
}

func (p *p2cPicker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	sc, done, err := p.pick(info)
	if err != nil {
		return balancer.PickResult{}, err
	}
	return balancer.PickResult{SubConn: sc, Done: done}, nil
}

func (p *p2cPicker) prePick() (nodeA *subConn, nodeB *subConn) {
	// give up looking for a healthy pair after three draws
	for i := 0; i < 3; i++ {
		p.lk.Lock()
		a := p.r.Intn(len(p.subConns))
		b := p.r.Intn(len(p.subConns) - 1)
		p.lk.Unlock()
		if b >= a {
			b = b + 1
		}
		nodeA, nodeB = p.subConns[a], p.subConns[b]
		if nodeA.valid() || nodeB.valid() {
			break
		}
	}
	return
}

func (p *p2cPicker) pick(info balancer.PickInfo) (balancer.SubConn, func(balancer.DoneInfo), error) {
	var pc, upc *subConn
	start := time.Now().UnixNano()

	switch len(p.subConns) {
	case 0:
		return nil, nil, balancer.ErrNoSubConnAvailable
	case 1:
		pc = p.subConns[0]
	default:
		nodeA, nodeB := p.prePick()
		// an invalid node only wins when both are invalid
		switch {
		case nodeA.valid() && !nodeB.valid():
			pc, upc = nodeA, nodeB
		case nodeB.valid() && !nodeA.valid():
			pc, upc = nodeB, nodeA
		case nodeA.load()*nodeB.health() > nodeB.load()*nodeA.health():
			pc, upc = nodeB, nodeA
		default:
			pc, upc = nodeA, nodeB
		}
		// force a pick of a conn that has been ignored for too long
		pick := atomic.LoadInt64(&upc.pick)
		if start-pick > forceGap && atomic.CompareAndSwapInt64(&upc.pick, pick, start) {
			pc = upc
		}
	}

	atomic.StoreInt64(&pc.pick, start)
	atomic.AddInt64(&pc.inflight, 1)
	atomic.AddInt64(&pc.reqs, 1)

	return pc.conn, func(di balancer.DoneInfo) {
		atomic.AddInt64(&pc.inflight, -1)

		now := time.Now().UnixNano()
		lag := now - start
		if lag < 0 {
			lag = 0
		}
		pc.observe(time.Duration(lag), di.Err)

		if cpuStr, ok := di.Trailer[CPUUsage]; ok && len(cpuStr) > 0 {
			if cpu, err := strconv.ParseUint(cpuStr[0], 10, 64); err == nil && cpu > 0 {
				atomic.StoreUint64(&pc.serCpu, cpu)
			}
		}

		// reset the request counter every 3s
		logTs := atomic.LoadInt64(&p.logTs)
		if now-logTs > int64(time.Second*3) {
			if atomic.CompareAndSwapInt64(&p.logTs, logTs, now) {
				atomic.StoreInt64(&pc.reqs, 0)
			}
		}
	}, nil
}

type p2cPickerBuilder struct{}

func (p *p2cPickerBuilder) Build(info base.PickerBuildInfo) balancer.Picker {
	picker := &p2cPicker{
		subConns: make([]*subConn, 0, len(info.ReadySCs)),
		r:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for sc, sci := range info.ReadySCs {
		picker.subConns = append(picker.subConns, newSubConn(sc, sci.Address))
	}
	return picker
}
