package oracle

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/pyrolabs/pyroswap/backend/internal/ledger"
)

// Publisher consumes the hermes SSE price stream and materializes each
// update as a pyth price-update account in the ledger, keyed by the feed's
// configured account address. The engine and keeper only ever read those
// accounts; they never talk to hermes directly.
type Publisher struct {
	store  *ledger.Store
	cfg    PublisherConfig
	logger *slog.Logger
	client *http.Client
}

type PublisherConfig struct {
	Endpoint          string
	ReconnectInterval time.Duration
	// Feeds maps a lowercase hex feed ID to the ledger account the
	// updates are written to.
	Feeds map[string]solana.PublicKey
}

type hermesEnvelope struct {
	Parsed []hermesPriceUpdate `json:"parsed"`
}

type hermesPriceUpdate struct {
	ID       string         `json:"id"`
	Price    hermesPrice    `json:"price"`
	Metadata hermesMetadata `json:"metadata"`
}

type hermesPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type hermesMetadata struct {
	Slot uint64 `json:"slot"`
}

func NewPublisher(store *ledger.Store, cfg PublisherConfig, logger *slog.Logger) *Publisher {
	return &Publisher{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "oracle_publisher"),
		client: &http.Client{},
	}
}

func (p *Publisher) Run(ctx context.Context) {
	endpoint := strings.TrimSpace(p.cfg.Endpoint)
	if endpoint == "" || len(p.cfg.Feeds) == 0 {
		p.logger.Warn("oracle publisher disabled due to missing endpoint or feeds")
		return
	}

	reconnectDelay := p.cfg.ReconnectInterval
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}

	p.logger.Info(
		"oracle publisher enabled",
		"endpoint", endpoint,
		"feeds", len(p.cfg.Feeds),
		"reconnect_delay", reconnectDelay.String(),
	)

	for {
		if err := ctx.Err(); err != nil {
			return
		}

		err := p.consumeStream(ctx, endpoint)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("hermes stream disconnected", "err", err, "retry_in", reconnectDelay.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (p *Publisher) consumeStream(ctx context.Context, endpoint string) error {
	streamURL, err := buildStreamURL(endpoint, p.cfg.Feeds)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("build hermes request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("open hermes stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("open hermes stream: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024), 64*1024*1024)

	var eventData strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if eventData.Len() == 0 {
				continue
			}
			if err := p.processEvent(ctx, eventData.String()); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warn("failed to process hermes event", "err", err)
			}
			eventData.Reset()
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if eventData.Len() > 0 {
			eventData.WriteByte('\n')
		}
		eventData.WriteString(payload)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read hermes stream: %w", err)
	}

	return io.EOF
}

func (p *Publisher) processEvent(ctx context.Context, rawEvent string) error {
	payload := strings.TrimSpace(rawEvent)
	if payload == "" || payload == "[DONE]" {
		return nil
	}

	var event hermesEnvelope
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return fmt.Errorf("decode hermes event: %w", err)
	}
	if len(event.Parsed) == 0 {
		return nil
	}

	for _, update := range event.Parsed {
		feedID := strings.ToLower(strings.TrimSpace(update.ID))
		address, ok := p.cfg.Feeds[feedID]
		if !ok {
			continue
		}

		account, err := buildUpdateAccount(feedID, update)
		if err != nil {
			p.logger.Warn("skipping malformed hermes update", "feed_id", feedID, "err", err)
			continue
		}

		_, err = p.store.Update(ctx, func(tx *ledger.Tx) error {
			tx.Put(address, account)
			return nil
		})
		if err != nil {
			return fmt.Errorf("publish price update: %w", err)
		}
	}

	return nil
}

func buildUpdateAccount(feedID string, update hermesPriceUpdate) (*ledger.Account, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(feedID, "0x"))
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("bad feed id %q", feedID)
	}

	price, err := strconv.ParseInt(strings.TrimSpace(update.Price.Price), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	conf, err := strconv.ParseUint(strings.TrimSpace(update.Price.Conf), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse conf: %w", err)
	}

	body := &PriceUpdateV2{
		VerificationLevel: verificationLevelFull,
		Price:             price,
		Conf:              conf,
		Exponent:          update.Price.Expo,
		PublishTime:       update.Price.PublishTime,
		PrevPublishTime:   update.Price.PublishTime,
		EmaPrice:          price,
		EmaConf:           conf,
		PostedSlot:        update.Metadata.Slot,
	}
	copy(body.FeedID[:], raw)
	return EncodePriceUpdate(body)
}

func buildStreamURL(endpoint string, feeds map[string]solana.PublicKey) (string, error) {
	parsedURL, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("parse hermes endpoint: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return "", fmt.Errorf("invalid hermes endpoint: %q", endpoint)
	}

	query := parsedURL.Query()
	query.Del("ids[]")
	for feedID := range feeds {
		query.Add("ids[]", feedID)
	}
	if strings.TrimSpace(query.Get("parsed")) == "" {
		query.Set("parsed", "true")
	}
	parsedURL.RawQuery = query.Encode()

	return parsedURL.String(), nil
}
