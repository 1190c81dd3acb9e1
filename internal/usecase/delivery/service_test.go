package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-reader-bot/internal/domain"
)

type stubUserRepo struct {
	mu         sync.Mutex
	users      []domain.User
	watermarks map[int64]int64
	statuses   map[int64]domain.UserStatus
}

func (s *stubUserRepo) UpsertByTGID(domain.TelegramProfile) (domain.User, bool, error) {
	return domain.User{}, false, nil
}
func (s *stubUserRepo) GetByID(int64) (domain.User, error)   { return domain.User{}, nil }
func (s *stubUserRepo) GetByTGID(int64) (domain.User, error) { return domain.User{}, nil }
func (s *stubUserRepo) ListActive() ([]domain.User, error)   { return s.users, nil }
func (s *stubUserRepo) UpdateWatermark(userID, itemID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watermarks == nil {
		s.watermarks = make(map[int64]int64)
	}
	s.watermarks[userID] = itemID
	return nil
}
func (s *stubUserRepo) UpdateVariant(int64, domain.SummaryVariant) error { return nil }
func (s *stubUserRepo) SetStatus(userID int64, status domain.UserStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses == nil {
		s.statuses = make(map[int64]domain.UserStatus)
	}
	s.statuses[userID] = status
	return nil
}

type stubSummaryRepo struct {
	mu       sync.Mutex
	shared   map[int64]domain.Summary
	personal map[string]domain.Summary
}

func personalKey(itemID, userID int64) string { return fmt.Sprintf("%d:%d", itemID, userID) }

func (s *stubSummaryRepo) SaveSummary(sum domain.Summary) (domain.Summary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sum.UserID != nil {
		if s.personal == nil {
			s.personal = make(map[string]domain.Summary)
		}
		s.personal[personalKey(sum.ItemID, *sum.UserID)] = sum
	}
	return sum, true, nil
}
func (s *stubSummaryRepo) GetShared(itemID int64, variant domain.SummaryVariant) (domain.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.shared[itemID]
	if !ok {
		return domain.Summary{}, domain.ErrSummaryNotFound
	}
	sum.Variant = variant
	return sum, nil
}
func (s *stubSummaryRepo) GetPersonal(itemID, userID int64) (domain.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.personal[personalKey(itemID, userID)]
	if !ok {
		return domain.Summary{}, domain.ErrSummaryNotFound
	}
	return sum, nil
}
func (s *stubSummaryRepo) ListMissingShared(itemIDs []int64, _ domain.SummaryVariant) ([]int64, error) {
	return itemIDs, nil
}

type stubDeliveryRepo struct {
	mu       sync.Mutex
	nextID   int64
	rows     map[string]domain.Delivery
	saved    []string
	reaction map[string]string
}

func deliveryKey(userID, itemID int64) string { return fmt.Sprintf("%d:%d", userID, itemID) }

func (s *stubDeliveryRepo) Create(d domain.Delivery) (domain.Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == nil {
		s.rows = make(map[string]domain.Delivery)
	}
	key := deliveryKey(d.UserID, d.ItemID)
	if existing, ok := s.rows[key]; ok {
		return existing, false, nil
	}
	s.nextID++
	d.ID = s.nextID
	s.rows[key] = d
	return d, true, nil
}
func (s *stubDeliveryRepo) SetMessageRef(deliveryID int64, ref string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, row := range s.rows {
		if row.ID == deliveryID {
			row.MessageRef = ref
			row.SentAt = sentAt
			s.rows[key] = row
		}
	}
	return nil
}
func (s *stubDeliveryRepo) SetSaved(userID, itemID int64, saved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, deliveryKey(userID, itemID))
	return nil
}
func (s *stubDeliveryRepo) SetReaction(userID, itemID int64, reaction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reaction == nil {
		s.reaction = make(map[string]string)
	}
	s.reaction[deliveryKey(userID, itemID)] = reaction
	return nil
}

type sentMessage struct {
	chatID int64
	text   string
}

type stubMessenger struct {
	mu       sync.Mutex
	sent     []sentMessage
	failures map[int64][]error // очередь ошибок по chatID
	refSeq   int
}

func (s *stubMessenger) Send(_ context.Context, chatID int64, text string, _ []domain.MessageAction) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if queue := s.failures[chatID]; len(queue) > 0 {
		err := queue[0]
		s.failures[chatID] = queue[1:]
		if err != nil {
			return "", err
		}
	}
	s.sent = append(s.sent, sentMessage{chatID: chatID, text: text})
	s.refSeq++
	return fmt.Sprintf("msg-%d", s.refSeq), nil
}

type stubBuilder struct {
	summaries *stubSummaryRepo
	calls     int
}

func (s *stubBuilder) SummarizeItem(_ context.Context, item domain.Item, variant domain.SummaryVariant, userID *int64) error {
	s.calls++
	_, _, err := s.summaries.SaveSummary(domain.Summary{
		ItemID:  item.ID,
		UserID:  userID,
		Variant: variant,
		Text:    fmt.Sprintf("персонально про %d", item.ID),
	})
	return err
}

func sharedSummaries(ids ...int64) map[int64]domain.Summary {
	out := make(map[int64]domain.Summary, len(ids))
	for _, id := range ids {
		out[id] = domain.Summary{ItemID: id, Variant: domain.VariantBasic, Text: fmt.Sprintf("резюме %d", id)}
	}
	return out
}

func newTestService(users *stubUserRepo, summaries *stubSummaryRepo, deliveries *stubDeliveryRepo, messenger *stubMessenger) *Service {
	svc := NewService(users, summaries, deliveries, messenger, &stubBuilder{summaries: summaries}, zerolog.Nop(), Config{Workers: 2})
	svc.sleep = func(time.Duration) {}
	return svc
}

func makeItems(ids ...int64) []domain.Item {
	items := make([]domain.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, domain.Item{ID: id, Title: fmt.Sprintf("элемент %d", id)})
	}
	return items
}

func TestRunDeliversAscendingAndAdvancesWatermark(t *testing.T) {
	users := &stubUserRepo{users: []domain.User{{ID: 1, ChatID: 11, LastSeenItemID: 100, Variant: domain.VariantBasic}}}
	summaries := &stubSummaryRepo{shared: sharedSummaries(101, 102, 103)}
	deliveries := &stubDeliveryRepo{}
	messenger := &stubMessenger{}
	svc := newTestService(users, summaries, deliveries, messenger)

	if err := svc.Run(context.Background(), makeItems(101, 102, 103)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(messenger.sent) != 3 {
		t.Fatalf("ожидали 3 сообщения, было %d", len(messenger.sent))
	}
	for i, want := range []string{"элемент 101", "элемент 102", "элемент 103"} {
		if !containsText(messenger.sent[i].text, want) {
			t.Fatalf("позиция %d: ожидали %q, получили %q", i, want, messenger.sent[i].text)
		}
	}
	if users.watermarks[1] != 103 {
		t.Fatalf("ожидали вотермарк 103, получили %d", users.watermarks[1])
	}
}

func TestRunStopsTailOnMissingSummary(t *testing.T) {
	users := &stubUserRepo{users: []domain.User{{ID: 1, ChatID: 11, LastSeenItemID: 100}}}
	summaries := &stubSummaryRepo{shared: sharedSummaries(101)} // 102 ещё не готов
	deliveries := &stubDeliveryRepo{}
	messenger := &stubMessenger{}
	svc := newTestService(users, summaries, deliveries, messenger)

	if err := svc.Run(context.Background(), makeItems(101, 102, 103)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(messenger.sent) != 1 {
		t.Fatalf("ожидали остановку хвоста, отправлено %d", len(messenger.sent))
	}
	if users.watermarks[1] != 101 {
		t.Fatalf("вотермарк не должен перескочить неготовый элемент, получили %d", users.watermarks[1])
	}
}

func TestRunBlocksUnreachableUser(t *testing.T) {
	users := &stubUserRepo{users: []domain.User{
		{ID: 1, ChatID: 11, LastSeenItemID: 100},
		{ID: 2, ChatID: 22, LastSeenItemID: 100},
	}}
	summaries := &stubSummaryRepo{shared: sharedSummaries(101, 102)}
	deliveries := &stubDeliveryRepo{}
	messenger := &stubMessenger{failures: map[int64][]error{11: {domain.ErrRecipientUnreachable}}}
	svc := newTestService(users, summaries, deliveries, messenger)

	if err := svc.Run(context.Background(), makeItems(101, 102)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if users.statuses[1] != domain.UserStatusBlocked {
		t.Fatalf("недоступный получатель обязан быть заблокирован")
	}
	if users.watermarks[2] != 102 {
		t.Fatalf("второй получатель обязан получить всё, вотермарк %d", users.watermarks[2])
	}
}

func TestRunRetriesTransientFailureOnce(t *testing.T) {
	users := &stubUserRepo{users: []domain.User{{ID: 1, ChatID: 11, LastSeenItemID: 100}}}
	summaries := &stubSummaryRepo{shared: sharedSummaries(101)}
	deliveries := &stubDeliveryRepo{}
	messenger := &stubMessenger{failures: map[int64][]error{11: {errors.New("временный сбой")}}}
	svc := newTestService(users, summaries, deliveries, messenger)

	if err := svc.Run(context.Background(), makeItems(101)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(messenger.sent) != 1 {
		t.Fatalf("ожидали успешный повтор, отправлено %d", len(messenger.sent))
	}
	if users.watermarks[1] != 101 {
		t.Fatalf("вотермарк обязан сдвинуться после повтора, получили %d", users.watermarks[1])
	}
}

func TestRunRetriesAfterRateLimit(t *testing.T) {
	users := &stubUserRepo{users: []domain.User{{ID: 1, ChatID: 11, LastSeenItemID: 100}}}
	summaries := &stubSummaryRepo{shared: sharedSummaries(101)}
	deliveries := &stubDeliveryRepo{}
	messenger := &stubMessenger{failures: map[int64][]error{11: {domain.ErrRateLimited}}}
	svc := newTestService(users, summaries, deliveries, messenger)

	if err := svc.Run(context.Background(), makeItems(101)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(messenger.sent) != 1 {
		t.Fatalf("ожидали повтор после лимита, отправлено %d", len(messenger.sent))
	}
}

func TestRunSkipsAlreadySentDelivery(t *testing.T) {
	users := &stubUserRepo{users: []domain.User{{ID: 1, ChatID: 11, LastSeenItemID: 100}}}
	summaries := &stubSummaryRepo{shared: sharedSummaries(101, 102)}
	deliveries := &stubDeliveryRepo{rows: map[string]domain.Delivery{
		deliveryKey(1, 101): {ID: 7, UserID: 1, ItemID: 101, MessageRef: "msg-old"},
	}, nextID: 7}
	messenger := &stubMessenger{}
	svc := newTestService(users, summaries, deliveries, messenger)

	if err := svc.Run(context.Background(), makeItems(101, 102)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(messenger.sent) != 1 || !containsText(messenger.sent[0].text, "элемент 102") {
		t.Fatalf("уже доставленный элемент не должен отправляться повторно: %+v", messenger.sent)
	}
	if users.watermarks[1] != 102 {
		t.Fatalf("вотермарк обязан пройти через пропущенный дубликат, получили %d", users.watermarks[1])
	}
}

func TestRunBuildsPersonalSummaryOnDemand(t *testing.T) {
	users := &stubUserRepo{users: []domain.User{{ID: 1, ChatID: 11, LastSeenItemID: 100, Variant: domain.VariantPersonal}}}
	summaries := &stubSummaryRepo{shared: sharedSummaries(101)}
	deliveries := &stubDeliveryRepo{}
	messenger := &stubMessenger{}
	builder := &stubBuilder{summaries: summaries}
	svc := NewService(users, summaries, deliveries, messenger, builder, zerolog.Nop(), Config{Workers: 1})
	svc.sleep = func(time.Duration) {}

	if err := svc.Run(context.Background(), makeItems(101)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if builder.calls != 1 {
		t.Fatalf("ожидали достройку персонального резюме, вызовов %d", builder.calls)
	}
	if len(messenger.sent) != 1 || !containsText(messenger.sent[0].text, "персонально про 101") {
		t.Fatalf("ожидали персональный текст, получили %+v", messenger.sent)
	}
}

func TestRunNoUsersNoItems(t *testing.T) {
	svc := newTestService(&stubUserRepo{}, &stubSummaryRepo{}, &stubDeliveryRepo{}, &stubMessenger{})
	if err := svc.Run(context.Background(), nil); err != nil {
		t.Fatalf("пустой батч не ошибка: %v", err)
	}
	if err := svc.Run(context.Background(), makeItems(1)); err != nil {
		t.Fatalf("без получателей не ошибка: %v", err)
	}
}

func containsText(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
