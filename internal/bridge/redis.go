package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mechtest/utmlink/internal/telemetry"
)

const latestSampleTTL = 10 * time.Second

// Publisher 把遥测样本与机器事件桥接到 Redis，供台外消费方
// （车间看板、LIMS 采集器）订阅。纯旁路：Redis 不可用只记日志，
// 不影响链路与归档。
type Publisher struct {
	rdb     *redis.Client
	prefix  string
	samples *telemetry.Hub[telemetry.Sample]
	events  *telemetry.Hub[telemetry.MachineEvent]
	log     *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New 创建桥接器并启动后台发布
func New(rdb *redis.Client, prefix string, samples *telemetry.Hub[telemetry.Sample], events *telemetry.Hub[telemetry.MachineEvent], log *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "utm"
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Publisher{
		rdb:     rdb,
		prefix:  prefix,
		samples: samples,
		events:  events,
		log:     log,
		done:    make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)
	return p
}

// Close 停止发布
func (p *Publisher) Close() {
	p.cancel()
	<-p.done
}

// run 消费两个流并转发。样本流在断链时被关闭，
// 这里循环重订阅，重连后的新流自动接上。
func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)

	evSub := p.events.Subscribe()
	defer evSub.Cancel()

	go p.pumpSamples(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evSub.C:
			if !ok {
				return
			}
			p.publish(ctx, p.prefix+":events", ev)
		}
	}
}

// pumpSamples 样本流消费：流结束后重订阅
func (p *Publisher) pumpSamples(ctx context.Context) {
	for {
		sub := p.samples.Subscribe()
	consume:
		for {
			select {
			case <-ctx.Done():
				sub.Cancel()
				return
			case s, ok := <-sub.C:
				if !ok {
					break consume
				}
				p.publish(ctx, p.prefix+":samples", s)
				p.cacheLatest(ctx, s)
			}
		}
		sub.Cancel()
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (p *Publisher) publish(ctx context.Context, channel string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		p.log.Error("bridge marshal failed", zap.Error(err))
		return
	}
	if err := p.rdb.Publish(ctx, channel, b).Err(); err != nil {
		p.log.Warn("bridge publish failed",
			zap.String("channel", channel), zap.Error(err))
	}
}

// cacheLatest 最新样本写入带 TTL 的 key，消费方可轮询
func (p *Publisher) cacheLatest(ctx context.Context, s telemetry.Sample) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := p.rdb.Set(ctx, p.prefix+":latest", b, latestSampleTTL).Err(); err != nil {
		p.log.Debug("bridge latest cache failed", zap.Error(err))
	}
}
