package output

import (
	"context"
	"errors"
	"sync"

	"deadswitch/internal/deadman"
	"deadswitch/internal/metrics"
	"deadswitch/pkg/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var _ deadman.Publisher = (*Publisher)(nil)

// Publisher 将已提交的事件扇出到全部输出器
//
// 每个输出器内按事件顺序写入，输出器之间并行。写入失败只记录日志与指标，
// 不影响已提交的开关状态，持久化事件仍可通过 events 接口补读。
type Publisher struct {
	mu      sync.RWMutex
	outputs []Output
	logger  *logrus.Logger
}

// NewPublisher 创建事件发布器
func NewPublisher(outputs []Output, logger *logrus.Logger) *Publisher {
	return &Publisher{
		outputs: outputs,
		logger:  logger,
	}
}

// Sinks 输出器名称列表
func (p *Publisher) Sinks() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, len(p.outputs))
	for i, o := range p.outputs {
		names[i] = o.Name()
	}
	return names
}

// Publish 发布一批事件
func (p *Publisher) Publish(ctx context.Context, events []*models.Event) {
	if len(events) == 0 {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var g errgroup.Group
	for _, out := range p.outputs {
		out := out
		g.Go(func() error {
			return p.writeAll(ctx, out, events)
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Warnf("部分事件输出失败: %v", err)
	}
}

func (p *Publisher) writeAll(ctx context.Context, out Output, events []*models.Event) error {
	var errs []error
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := out.WriteEvent(ev); err != nil {
			metrics.SinkErrors.WithLabelValues(out.Name()).Inc()
			p.logger.WithFields(logrus.Fields{
				"sink":      out.Name(),
				"switch_id": ev.SwitchID,
				"seq":       ev.Seq,
				"kind":      ev.Kind,
			}).Errorf("事件输出失败: %v", err)
			errs = append(errs, err)
			continue
		}
		metrics.EventsPublished.WithLabelValues(out.Name(), string(ev.Kind)).Inc()
	}
	return errors.Join(errs...)
}

// Close 关闭全部输出器
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, out := range p.outputs {
		if err := out.Close(); err != nil {
			p.logger.Errorf("关闭输出器 %s 失败: %v", out.Name(), err)
			errs = append(errs, err)
		}
	}
	p.outputs = nil
	return errors.Join(errs...)
}
