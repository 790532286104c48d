package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/venued/venued/pkg/types"
)

const (
	mainnetStreamURL = "wss://stream.bybit.com/v5/public/spot"
	testnetStreamURL = "wss://stream-testnet.bybit.com/v5/public/spot"

	pingInterval     = 20 * time.Second
	maxReconnectWait = 30 * time.Second

	typeSnapshot = "snapshot"
	typeDelta    = "delta"
)

// BookSink receives every rebuilt order book.
type BookSink func(*types.OrderBook)

// Stream follows the public depth feed for a set of symbols and
// rebuilds complete books from snapshot and delta messages. The feed is
// an optional warm path: losing it degrades nothing but freshness.
type Stream struct {
	url     string
	symbols []string
	depth   int
	sink    BookSink
	log     *logrus.Entry

	mu    sync.Mutex
	books map[string]*bookState

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

type bookState struct {
	bids map[string]decimal.Decimal
	asks map[string]decimal.Decimal
}

func (st *bookState) reset() {
	st.bids = make(map[string]decimal.Decimal)
	st.asks = make(map[string]decimal.Decimal)
}

type subscribeRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type streamMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bookPayload struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
}

// NewStream builds a depth stream. The spot feed serves depths 1, 50
// and 200; anything else falls back to 50.
func NewStream(testnet bool, symbols []string, depth int, sink BookSink, log *logrus.Entry) *Stream {
	url := mainnetStreamURL
	if testnet {
		url = testnetStreamURL
	}
	if depth != 1 && depth != 50 && depth != 200 {
		depth = 50
	}
	return &Stream{
		url:     url,
		symbols: symbols,
		depth:   depth,
		sink:    sink,
		log:     log.WithField("component", "bybit-stream"),
		books:   make(map[string]*bookState),
	}
}

// Start launches the connect loop. Reconnects back off exponentially
// and reset after a connection that held for a while.
func (s *Stream) Start(ctx context.Context) {
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop closes the feed and waits for the loop to exit.
func (s *Stream) Stop() {
	if s.stop == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Stream) loop(ctx context.Context) {
	defer s.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		start := time.Now()
		if err := s.run(ctx); err != nil {
			s.log.WithError(err).Warn("stream disconnected")
		}
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *Stream) run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	args := make([]string, 0, len(s.symbols))
	for _, symbol := range s.symbols {
		args = append(args, fmt.Sprintf("orderbook.%d.%s", s.depth, symbol))
	}
	if err := conn.WriteJSON(subscribeRequest{Op: "subscribe", Args: args}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.log.WithField("topics", args).Info("stream subscribed")

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(ctx, conn, done)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(3 * pingInterval)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.stop:
				return nil
			default:
			}
			return err
		}
		s.handleMessage(data)
	}
}

// pingLoop keeps the feed alive and closes the connection on shutdown
// to unblock the reader.
func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.stop:
			conn.Close()
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				return
			}
		}
	}
}

func (s *Stream) handleMessage(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.WithError(err).Debug("drop malformed stream message")
		return
	}
	// Pongs and subscription acks carry no topic.
	if !strings.HasPrefix(msg.Topic, "orderbook.") {
		return
	}

	var payload bookPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		s.log.WithError(err).Debug("drop malformed book payload")
		return
	}

	book := s.apply(msg.Type, &payload, msg.Ts)
	if book != nil && s.sink != nil {
		s.sink(book)
	}
}

// apply folds one message into the kept book state. A snapshot resets
// the symbol; a delta before any snapshot is dropped because there is
// nothing to patch.
func (s *Stream) apply(msgType string, p *bookPayload, ts int64) *types.OrderBook {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.books[p.Symbol]
	if msgType == typeSnapshot {
		if !ok {
			state = &bookState{}
			s.books[p.Symbol] = state
		}
		state.reset()
	} else if !ok {
		return nil
	}

	applySide(state.bids, p.Bids)
	applySide(state.asks, p.Asks)

	return &types.OrderBook{
		Venue:      "bybit",
		Symbol:     p.Symbol,
		Bids:       renderSide(state.bids, true, s.depth),
		Asks:       renderSide(state.asks, false, s.depth),
		UpdateTime: time.UnixMilli(ts),
	}
}

// applySide patches one side of the book. A zero quantity removes the
// price level.
func applySide(side map[string]decimal.Decimal, rows [][]string) {
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		qty, err := decimal.NewFromString(row[1])
		if err != nil {
			continue
		}
		if qty.IsZero() {
			delete(side, row[0])
			continue
		}
		side[row[0]] = qty
	}
}

func renderSide(side map[string]decimal.Decimal, bestFirst bool, depth int) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(side))
	for priceStr, qty := range side {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: price, Quantity: qty})
	}
	sort.Slice(levels, func(i, j int) bool {
		if bestFirst {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	if len(levels) > depth {
		levels = levels[:depth]
	}
	return levels
}
