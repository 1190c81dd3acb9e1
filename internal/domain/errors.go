package domain

import "errors"

var (
	// ErrConversationActive возвращается при попытке открыть вторую активную сессию.
	ErrConversationActive = errors.New("у пользователя уже есть активное обсуждение")
	// ErrNoActiveConversation возвращается, если активной сессии нет.
	ErrNoActiveConversation = errors.New("активное обсуждение не найдено")
	// ErrUserNotFound возвращается, если пользователь не зарегистрирован.
	ErrUserNotFound = errors.New("пользователь не найден")
	// ErrItemNotFound возвращается, если элемент ленты отсутствует.
	ErrItemNotFound = errors.New("элемент не найден")
	// ErrSummaryNotFound возвращается, если резюме ещё не построено.
	ErrSummaryNotFound = errors.New("резюме не найдено")
	// ErrContentNotFound возвращается хранилищем контента при отсутствии текста.
	ErrContentNotFound = errors.New("контент элемента недоступен")
	// ErrCacheMiss возвращается эфемерным стором при отсутствии ключа.
	ErrCacheMiss = errors.New("ключ не найден в кэше")
	// ErrLLMUnavailable возвращается после исчерпания повторов вызова LLM.
	ErrLLMUnavailable = errors.New("LLM недоступна после повторов")
	// ErrRateLimited означает, что мессенджер ограничил частоту отправки.
	ErrRateLimited = errors.New("превышен лимит частоты отправки")
	// ErrRecipientUnreachable означает, что получатель недоступен навсегда.
	ErrRecipientUnreachable = errors.New("получатель недоступен")
)
