package bot

import (
	"context"

	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/infra/logger"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// progress ведёт статусное сообщение одной задачи. observe вызывается из горутины
// задачи и не блокируется: в канале лежит только последний снимок, правки делает run.
type progress struct {
	h       *Handler
	chat    tg.InputPeerClass
	msgID   int
	sampler rate.Sometimes
	latest  chan clone.Task
}

func newProgress(h *Handler, chat tg.InputPeerClass, msgID int) *progress {
	return &progress{
		h:     h,
		chat:  chat,
		msgID: msgID,
		sampler: rate.Sometimes{
			First:    1,
			Every:    h.cfg.ProgressEvery,
			Interval: h.cfg.ProgressInterval,
		},
		latest: make(chan clone.Task, 1),
	}
}

// observe: clone.Observer. Промежуточные снимки прореживаются, финальный доходит всегда.
func (p *progress) observe(task clone.Task) {
	if !task.Status.Terminal() {
		sampled := false
		p.sampler.Do(func() { sampled = true })
		if !sampled {
			return
		}
	}
	// Единственный писатель: после вытеснения старого снимка место гарантированно есть.
	select {
	case <-p.latest:
	default:
	}
	p.latest <- task
}

// run правит сообщение до финального снимка.
func (p *progress) run(ctx context.Context) {
	for task := range p.latest {
		if task.Status.Terminal() {
			p.h.edit(ctx, p.chat, p.msgID, formatReport(task))
			logger.Debug("final report sent", zap.String("task_id", task.ID))
			return
		}
		p.h.edit(ctx, p.chat, p.msgID, formatProgress(task))
	}
}
