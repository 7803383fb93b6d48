package oracle

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/pyrolabs/pyroswap/backend/internal/ledger"
)

const testFeedID = "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d"

func TestBuildStreamURL(t *testing.T) {
	feeds := map[string]solana.PublicKey{testFeedID: {}}
	streamURL, err := buildStreamURL("https://hermes.pyth.network/v2/updates/price/stream", feeds)
	if err != nil {
		t.Fatalf("build url: %v", err)
	}

	parsed, err := url.Parse(streamURL)
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}
	query := parsed.Query()
	if got := query["ids[]"]; len(got) != 1 || got[0] != testFeedID {
		t.Errorf("ids[] = %v, want [%s]", got, testFeedID)
	}
	if query.Get("parsed") != "true" {
		t.Errorf("parsed=%q, want true", query.Get("parsed"))
	}

	if _, err := buildStreamURL("not a url", feeds); err == nil {
		t.Errorf("expected error for invalid endpoint")
	}
}

func TestProcessEventPublishesConfiguredFeeds(t *testing.T) {
	store, err := ledger.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})

	feedAccount := solana.MustPublicKeyFromBase58("11111111111111111111111111111112")
	publisher := NewPublisher(store, PublisherConfig{
		Endpoint: "https://hermes.example/stream",
		Feeds:    map[string]solana.PublicKey{testFeedID: feedAccount},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	event := `{
		"parsed": [
			{
				"id": "` + testFeedID + `",
				"price": {"price": "10000000000", "conf": "5000000", "expo": -8, "publish_time": 1700000000},
				"metadata": {"slot": 12345}
			},
			{
				"id": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
				"price": {"price": "1", "conf": "1", "expo": 0, "publish_time": 1700000000},
				"metadata": {"slot": 12345}
			}
		]
	}`
	if err := publisher.processEvent(context.Background(), event); err != nil {
		t.Fatalf("process event: %v", err)
	}

	account, err := store.Account(feedAccount)
	if err != nil {
		t.Fatalf("feed account: %v", err)
	}
	snapshot, err := DecodePriceUpdate(account)
	if err != nil {
		t.Fatalf("decode published update: %v", err)
	}
	if snapshot.Price != 100_000_000 {
		t.Errorf("published price %d, want 100000000", snapshot.Price)
	}
	if snapshot.PublishTime != 1_700_000_000 {
		t.Errorf("publish time %d", snapshot.PublishTime)
	}

	// Only the configured feed landed in the ledger.
	if store.Slot() != 1 {
		t.Errorf("slot %d, want exactly one publish commit", store.Slot())
	}

	// Garbage payloads are an error, the DONE sentinel is not.
	if err := publisher.processEvent(context.Background(), "[DONE]"); err != nil {
		t.Errorf("DONE sentinel: %v", err)
	}
	if err := publisher.processEvent(context.Background(), "{bad json"); err == nil || !strings.Contains(err.Error(), "decode") {
		t.Errorf("bad json: %v", err)
	}
}
