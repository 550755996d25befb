package throttle

import (
	"errors"
	"time"
)

// retryAfterProvider: контракт ошибок, которые несут серверное «подождите N».
// Его реализуют классифицированные ошибки транспорта; конкретные типы
// приводятся к нему через errors.As.
type retryAfterProvider interface {
	RetryAfter() time.Duration
}

// RetryAfterExtractor извлекает ожидание из ошибки через интерфейс retryAfterProvider.
// Джиттер не добавляется: интервал сервера соблюдается ровно.
func RetryAfterExtractor() WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}
		var provider retryAfterProvider
		if !errors.As(err, &provider) {
			return 0, false
		}
		wait := provider.RetryAfter()
		if wait <= 0 {
			return 0, false
		}
		return wait, true
	}
}
