package clone

import (
	"context"
	"slices"
)

// pager отдаёт сообщения источника по одному, подгружая страницы по мере надобности.
// Позиция пагинации (after) не совпадает с курсором задачи: курсор двигается только
// после успешной обработки, а pager идёт вперёд всегда.
type pager struct {
	fetch func(ctx context.Context, afterID int) ([]Message, error)
	after int
	upper int
	buf   []Message
	done  bool
}

func (p *pager) fill(ctx context.Context) error {
	for len(p.buf) == 0 && !p.done {
		page, err := p.fetch(ctx, p.after)
		if err != nil {
			return err
		}
		// Транспорт обещает порядок по возрастанию, но страховка дешевле дубля в приёмнике.
		page = slices.DeleteFunc(page, func(m Message) bool { return m.ID <= p.after })
		slices.SortFunc(page, func(a, b Message) int { return a.ID - b.ID })
		if len(page) == 0 {
			p.done = true
			return nil
		}
		p.after = page[len(page)-1].ID
		for _, m := range page {
			if p.upper > 0 && m.ID > p.upper {
				p.done = true
				break
			}
			p.buf = append(p.buf, m)
		}
	}
	return nil
}

func (p *pager) peek(ctx context.Context) (Message, bool, error) {
	if err := p.fill(ctx); err != nil {
		return Message{}, false, err
	}
	if len(p.buf) == 0 {
		return Message{}, false, nil
	}
	return p.buf[0], true, nil
}

func (p *pager) next(ctx context.Context) (Message, bool, error) {
	m, ok, err := p.peek(ctx)
	if ok {
		p.buf = p.buf[1:]
	}
	return m, ok, err
}

// nextUnit возвращает следующую единицу обработки: одиночное сообщение или весь
// альбом (буфер медиагруппы). Альбом закрывается, когда у следующего сообщения
// другой GroupID или история закончилась. nil: история исчерпана.
func (p *pager) nextUnit(ctx context.Context) ([]Message, error) {
	first, ok, err := p.next(ctx)
	if err != nil || !ok {
		return nil, err
	}
	unit := []Message{first}
	if first.Skip || first.GroupID == 0 {
		return unit, nil
	}
	for {
		m, ok, err := p.peek(ctx)
		if err != nil {
			return nil, err
		}
		if !ok || m.Skip || m.GroupID != first.GroupID {
			return unit, nil
		}
		p.buf = p.buf[1:]
		unit = append(unit, m)
	}
}

func unitIDs(unit []Message) []int {
	ids := make([]int, len(unit))
	for i, m := range unit {
		ids[i] = m.ID
	}
	return ids
}
